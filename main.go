package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"chatty/internal/httpapi"
	"chatty/internal/metricsreg"
	"chatty/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "chatty.db") {
			return
		}
	}

	unixPath := flag.String("unix-path", "/tmp/chatty.sock", "Unix-domain socket path clients connect to")
	maxConnections := flag.Int("max-connections", 500, "maximum simultaneous client connections")
	threadsInPool := flag.Int("threads", 8, "number of worker goroutines draining the job queue")
	maxMsgSize := flag.Int("max-msg-size", 64*1024, "maximum bytes for a generic message payload")
	maxFileSize := flag.Int("max-file-size", 10*1024, "maximum KiB for a POSTFILE payload")
	maxHistMsgs := flag.Int("max-hist-msgs", 50, "maximum messages returned by GETPREVMSGS")
	dirName := flag.String("dir-name", "chatty-blobs", "directory file message payloads are stored under")
	statFileName := flag.String("stat-file-name", "chatty-stats.txt", "path the periodic statistics snapshot is written to")
	dbPath := flag.String("db", "chatty.db", "SQLite database path")
	adminAddr := flag.String("admin-addr", ":8090", "admin/observability HTTP listen address (empty to disable)")
	flag.Parse()

	cfg := Config{
		UnixPath:       *unixPath,
		MaxConnections: *maxConnections,
		ThreadsInPool:  *threadsInPool,
		MaxMsgSize:     *maxMsgSize,
		MaxFileSize:    *maxFileSize,
		MaxHistMsgs:    *maxHistMsgs,
		DirName:        *dirName,
		StatFileName:   *statFileName,
		DBPath:         *dbPath,
		AdminAddr:      *adminAddr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	if cfg.AdminAddr != "" {
		go runAdmin(ctx, cfg)
	}

	l := NewLifecycle(cfg)
	if err := l.Start(ctx); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

// runAdmin waits for the store to exist (the Lifecycle creates it), then
// serves the admin HTTP surface and its periodic maintenance tickers until
// ctx is canceled. It opens its own handle to the same SQLite file via
// OpenExisting, which skips the current_fd reset Open performs — this
// handle is joining an already-running Lifecycle, not starting a new
// process incarnation, so resetting connections here would wrongly
// disconnect every already-connected user. Each handle has its own storage
// coordinator, so access from the two handles is kept consistent by
// SQLite's own file locking (with its busy timeout), not by the
// coordinator's readers/writer policy.
func runAdmin(ctx context.Context, cfg Config) {
	var st *store.Store
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := os.Stat(cfg.DBPath)
		if err == nil {
			var s *store.Store
			s, err = store.OpenExisting(cfg.DBPath)
			if err == nil {
				st = s
				break
			}
		}
		if time.Now().After(deadline) {
			log.Printf("[admin] giving up opening store: %v", err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer st.Close()

	metrics := metricsreg.New()
	api := httpapi.New(st, metrics)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.Printf("[admin] optimize: %v", err)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.WriteStatsFile(cfg.StatFileName); err != nil {
					log.Printf("[admin] write stats file: %v", err)
				}
			}
		}
	}()

	if err := api.Run(ctx, cfg.AdminAddr); err != nil {
		log.Printf("[admin] %v", err)
	}
}
