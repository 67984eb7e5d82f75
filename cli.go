package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"chatty/internal/store"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatty %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.OpenExisting(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { st.Shutdown(); st.Close() }()

	stats, err := st.GetStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %s (%s online)\n", humanize.Comma(int64(stats.NUsers)), humanize.Comma(int64(stats.NOnline)))
	fmt.Printf("Delivered: %s text, %s file\n", humanize.Comma(int64(stats.DeliveredTxt)), humanize.Comma(int64(stats.DeliveredFile)))
	fmt.Printf("Not delivered: %s text, %s file\n", humanize.Comma(int64(stats.NotDeliveredTxt)), humanize.Comma(int64(stats.NotDeliveredFile)))
	fmt.Printf("Errors: %s\n", humanize.Comma(int64(stats.Errors)))
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.OpenExisting(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer func() { st.Shutdown(); st.Close() }()

	outPath := "chatty-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
