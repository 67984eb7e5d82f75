// Package store implements the storage coordinator (spec C2) and state
// repository (spec C3): a SQLite-backed relational model for users, chats,
// group memberships, messages, and delivery statistics, accessed through a
// readers/writer policy that tolerates concurrent readers, serializes
// writers, and fails fast on shutdown.
//
// Migration design follows the same convention as the rest of this
// codebase's storage layer: SQL statements live in the [migrations] slice
// as ordered strings, each applied exactly once and tracked in
// schema_migrations. Append, never edit or reorder.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Reserved sender sentinels (spec.md §3 / §9): a username can never equal
// either of these, and a deleted/departed user's historical messages are
// rewritten to carry one.
const (
	SentinelDeletedUser   = "#deleted_user"
	SentinelUserLeftGroup = "#user_no_more_in_group"
)

// VoidFD marks a disconnected user or an offline delivery target
// (original_source connections.h/slaves.c: VOID_FD).
const VoidFD = -1

var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY,
		current_fd INTEGER NOT NULL DEFAULT -1
	)`,
	// v2 — chats: chat_name NULL means an unnamed two-party chat
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_name TEXT UNIQUE,
		creator   TEXT
	)`,
	// v3 — chat membership
	`CREATE TABLE IF NOT EXISTS chat_members (
		chat_id  INTEGER NOT NULL REFERENCES chats(chat_id),
		username TEXT NOT NULL,
		PRIMARY KEY (chat_id, username)
	)`,
	// v4 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		message_id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id    INTEGER NOT NULL REFERENCES chats(chat_id),
		sender     TEXT NOT NULL,
		text       TEXT,
		filename   TEXT,
		sent_time  INTEGER NOT NULL
	)`,
	// v5, v6 — single-row statistics table and its row
	`CREATE TABLE IF NOT EXISTS stats (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		not_delivered_txt  INTEGER NOT NULL DEFAULT 0,
		not_delivered_file INTEGER NOT NULL DEFAULT 0,
		delivered_txt      INTEGER NOT NULL DEFAULT 0,
		delivered_file     INTEGER NOT NULL DEFAULT 0,
		error_count        INTEGER NOT NULL DEFAULT 0
	)`,
	`INSERT OR IGNORE INTO stats(id) VALUES (1)`,
	// v7, v8 — lookup performance
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(username)`,
	// v9 — WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Domain outcomes that map 1:1 onto protocol reply codes (spec.md §4.3/§4.7).
var (
	ErrNickAlready        = errors.New("store: name already taken")
	ErrNickUnknown        = errors.New("store: no such user")
	ErrNoSuchFile         = errors.New("store: no such file")
	ErrNotMember          = errors.New("store: not a member of that group")
	ErrNotCreator         = errors.New("store: requester is not the group's creator")
	ErrAlreadyConnected   = errors.New("store: user already connected elsewhere")
	ErrUnknownDestination = errors.New("store: receiver is neither a known user nor an existing group")
)

// Store is the persistent state repository over a SQLite-backed
// Coordinator.
type Store struct {
	db   *sql.DB
	coor *Coordinator
}

// Open opens (or creates) the database at path, applies pending
// migrations, and — per spec.md §3's restart semantics — forces every
// user's current_fd back to -1, since no fd from a previous process
// incarnation is meaningful anymore. This is the entry point the
// Lifecycle itself uses: it owns the one process incarnation whose start
// this reset models.
func Open(path string) (*Store, error) {
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE users SET current_fd = ?`, VoidFD); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("reset connections: %w", err)
	}
	return s, nil
}

// OpenExisting opens the database at path and applies pending migrations,
// without the current_fd reset Open performs. Use this for a second handle
// onto an already-running server's database (e.g. the admin HTTP surface)
// — that handle did not just start a new process incarnation, so resetting
// current_fd here would wrongly disconnect every already-connected user the
// Lifecycle's own handle is still serving.
func OpenExisting(path string) (*Store, error) {
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=1000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db, coor: newCoordinator(db)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the coordinator and database handle. Shutdown should be
// called first so that in-flight Read/Write calls fail fast rather than
// racing Close.
func (s *Store) Close() error {
	return s.db.Close()
}

// Shutdown makes every subsequent and in-flight Read/Write fail fast with
// ErrTerminated, per spec.md §4.2's termination flag.
func (s *Store) Shutdown() {
	s.coor.Shutdown()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// isReservedName reports whether name is one of the sentinel sender
// names that can never be registered as a real user.
func isReservedName(name string) bool {
	return name == SentinelDeletedUser || name == SentinelUserLeftGroup
}

// ValidUsername mirrors the original's is_validusername: non-empty,
// ≤32 bytes, and starting with a non-punctuation character.
func ValidUsername(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	c := name[0]
	isPunct := (c >= '!' && c <= '/') || (c >= ':' && c <= '@') ||
		(c >= '[' && c <= '`') || (c >= '{' && c <= '~')
	return !isPunct
}

// InsertUser registers name as connected on fd. Returns ErrNickAlready if
// the name collides with an existing user or a group name.
func (s *Store) InsertUser(name string, fd int) error {
	if !ValidUsername(name) || isReservedName(name) {
		return ErrNickAlready
	}
	return s.coor.Write(func(db *sql.DB) error {
		var exists int
		err := db.QueryRow(
			`SELECT 1 FROM users WHERE username = ?
			 UNION SELECT 1 FROM chats WHERE chat_name = ? LIMIT 1`, name, name,
		).Scan(&exists)
		if err == nil {
			return ErrNickAlready
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = db.Exec(`INSERT INTO users(username, current_fd) VALUES(?, ?)`, name, fd)
		if err != nil && IsConstraintViolation(err) {
			return ErrNickAlready
		}
		return err
	})
}

// RemoveUser deletes the user row, their chat memberships, and rewrites
// their historical messages' sender to the deleted-user sentinel.
func (s *Store) RemoveUser(name string) error {
	return s.coor.Write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`UPDATE messages SET sender = ? WHERE sender = ?`, SentinelDeletedUser, name); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chat_members WHERE username = ?`, name); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM users WHERE username = ?`, name); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ConnectUser sets current_fd = fd if the user exists and is currently
// disconnected. Idempotent if current_fd already equals fd. Returns
// ErrNickUnknown if the user does not exist, or ErrAlreadyConnected if
// connected on a different fd.
func (s *Store) ConnectUser(name string, fd int) error {
	return s.coor.Write(func(db *sql.DB) error {
		var current int
		err := db.QueryRow(`SELECT current_fd FROM users WHERE username = ?`, name).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNickUnknown
		}
		if err != nil {
			return err
		}
		if current == fd {
			return nil
		}
		if current != VoidFD {
			return ErrAlreadyConnected
		}
		_, err = db.Exec(`UPDATE users SET current_fd = ? WHERE username = ?`, fd, name)
		return err
	})
}

// DisconnectByFD clears current_fd wherever it equals fd (0 or 1 row).
func (s *Store) DisconnectByFD(fd int) error {
	return s.coor.Write(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE users SET current_fd = ? WHERE current_fd = ?`, VoidFD, fd)
		return err
	})
}

// CreatePeerChat creates a new unnamed two-party chat and returns its id.
func (s *Store) CreatePeerChat() (int64, error) {
	var id int64
	err := s.coor.Write(func(db *sql.DB) error {
		res, err := db.Exec(`INSERT INTO chats(chat_name, creator) VALUES (NULL, NULL)`)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CreateGroup creates a named group chat with creator as its owner and as
// its first member. Returns ErrNickAlready if the name collides with a
// user or another group.
func (s *Store) CreateGroup(name, creator string) (int64, error) {
	var id int64
	err := s.coor.Write(func(db *sql.DB) error {
		var exists int
		err := db.QueryRow(
			`SELECT 1 FROM users WHERE username = ?
			 UNION SELECT 1 FROM chats WHERE chat_name = ? LIMIT 1`, name, name,
		).Scan(&exists)
		if err == nil {
			return ErrNickAlready
		}
		if err != sql.ErrNoRows {
			return err
		}
		res, err := db.Exec(`INSERT INTO chats(chat_name, creator) VALUES (?, ?)`, name, creator)
		if err != nil {
			if IsConstraintViolation(err) {
				return ErrNickAlready
			}
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = db.Exec(`INSERT INTO chat_members(chat_id, username) VALUES (?, ?)`, id, creator)
		return err
	})
	return id, err
}

// InsertIntoChat adds user as a member of chatID. Returns ErrNickAlready
// if the user is already a member.
func (s *Store) InsertIntoChat(user string, chatID int64) error {
	return s.coor.Write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO chat_members(chat_id, username) VALUES (?, ?)`, chatID, user)
		if err != nil && IsConstraintViolation(err) {
			return ErrNickAlready
		}
		return err
	})
}

// PeerChatID returns the unnamed chat containing exactly u1 and u2, if any.
func (s *Store) PeerChatID(u1, u2 string) (int64, bool, error) {
	var id int64
	found := false
	err := s.coor.Read(func(db *sql.DB) error {
		row := db.QueryRow(`
			SELECT c.chat_id FROM chats c
			JOIN chat_members m1 ON m1.chat_id = c.chat_id AND m1.username = ?
			JOIN chat_members m2 ON m2.chat_id = c.chat_id AND m2.username = ?
			WHERE c.chat_name IS NULL
			LIMIT 1`, u1, u2)
		err := row.Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return id, found, err
}

// GroupChatID resolves a group's chat id by name. ok is false if no group
// with that name exists.
func (s *Store) GroupChatID(name string) (int64, bool, error) {
	var id int64
	found := false
	err := s.coor.Read(func(db *sql.DB) error {
		err := db.QueryRow(`SELECT chat_id FROM chats WHERE chat_name = ?`, name).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return id, found, err
}

// InsertText inserts a text message and returns its message_id.
func (s *Store) InsertText(sender, text string, chatID int64) (int64, error) {
	var id int64
	err := s.coor.Write(func(db *sql.DB) error {
		res, err := db.Exec(
			`INSERT INTO messages(chat_id, sender, text, sent_time) VALUES (?, ?, ?, ?)`,
			chatID, sender, text, time.Now().Unix(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// InsertFile inserts a file message record (the blob itself lives under
// the configured blob directory, keyed by the returned message id) and
// returns its message_id.
func (s *Store) InsertFile(sender, filename string, chatID int64) (int64, error) {
	var id int64
	err := s.coor.Write(func(db *sql.DB) error {
		res, err := db.Exec(
			`INSERT INTO messages(chat_id, sender, filename, sent_time) VALUES (?, ?, ?, ?)`,
			chatID, sender, filename, time.Now().Unix(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UserExists reports whether name is a registered user (online or not).
func (s *Store) UserExists(name string) (bool, error) {
	var ok bool
	err := s.coor.Read(func(db *sql.DB) error {
		var x int
		err := db.QueryRow(`SELECT 1 FROM users WHERE username = ?`, name).Scan(&x)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Recipient pairs a username with its current fd (VoidFD if offline), the
// shape every delivery path needs: who to address the frame to, and
// whether anyone is actually listening.
type Recipient struct {
	Username string
	FD       int
}

// ChatRecipients returns every member of chatID except exclude, each with
// its current fd.
func (s *Store) ChatRecipients(chatID int64, exclude string) ([]Recipient, error) {
	var out []Recipient
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT u.username, u.current_fd FROM users u
			JOIN chat_members m ON m.username = u.username
			WHERE m.chat_id = ? AND u.username != ?`, chatID, exclude)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Recipient
			if err := rows.Scan(&r.Username, &r.FD); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// AllRecipients returns every registered user except exclude, each with
// its current fd — the recipient set for a POSTTXTALL broadcast.
func (s *Store) AllRecipients(exclude string) ([]Recipient, error) {
	var out []Recipient
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT username, current_fd FROM users WHERE username != ?`, exclude)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r Recipient
			if err := rows.Scan(&r.Username, &r.FD); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// OnlineFDs returns the fd of every currently-connected user.
func (s *Store) OnlineFDs() ([]int, error) {
	var fds []int
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT current_fd FROM users WHERE current_fd != ?`, VoidFD)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var fd int
			if err := rows.Scan(&fd); err != nil {
				return err
			}
			fds = append(fds, fd)
		}
		return rows.Err()
	})
	return fds, err
}

// OnlineFDsInChat returns the fd of every currently-connected member of chatID.
func (s *Store) OnlineFDsInChat(chatID int64) ([]int, error) {
	var fds []int
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT u.current_fd FROM users u
			JOIN chat_members m ON m.username = u.username
			WHERE m.chat_id = ? AND u.current_fd != ?`, chatID, VoidFD)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var fd int
			if err := rows.Scan(&fd); err != nil {
				return err
			}
			fds = append(fds, fd)
		}
		return rows.Err()
	})
	return fds, err
}

// IsMember reports whether user belongs to chatID.
func (s *Store) IsMember(chatID int64, user string) (bool, error) {
	var ok bool
	err := s.coor.Read(func(db *sql.DB) error {
		var x int
		err := db.QueryRow(`SELECT 1 FROM chat_members WHERE chat_id = ? AND username = ?`, chatID, user).Scan(&x)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// OnlineUsernames returns every currently-connected username, ascending.
func (s *Store) OnlineUsernames() ([]string, error) {
	var names []string
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT username FROM users WHERE current_fd != ? ORDER BY username ASC`, VoidFD)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	return names, err
}

// AllUsernames returns every registered username (online or not).
func (s *Store) AllUsernames() ([]string, error) {
	var names []string
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT username FROM users ORDER BY username ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	return names, err
}

// DeleteGroup deletes a group, its memberships, and its messages, but only
// if requester is its creator.
func (s *Store) DeleteGroup(requester, name string) error {
	return s.coor.Write(func(db *sql.DB) error {
		var chatID int64
		var creator string
		err := db.QueryRow(`SELECT chat_id, creator FROM chats WHERE chat_name = ?`, name).Scan(&chatID, &creator)
		if err == sql.ErrNoRows {
			return ErrNickUnknown
		}
		if err != nil {
			return err
		}
		if creator != requester {
			return ErrNotCreator
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chat_members WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RemoveFromGroup removes user's membership in chatID and rewrites their
// messages in that chat to the left-group sentinel.
func (s *Store) RemoveFromGroup(chatID int64, user string) error {
	return s.coor.Write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(`DELETE FROM chat_members WHERE chat_id = ? AND username = ?`, chatID, user)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotMember
		}
		if _, err := tx.Exec(
			`UPDATE messages SET sender = ? WHERE chat_id = ? AND sender = ?`,
			SentinelUserLeftGroup, chatID, user,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MessageRecord is one entry returned by RecentMessages.
type MessageRecord struct {
	IsFile         bool
	Sender         string
	TextOrFilename string
}

// RecentMessages returns up to max of the most recent messages addressed
// to receiver (across every chat receiver belongs to), newest first,
// excluding messages receiver sent to itself.
func (s *Store) RecentMessages(receiver string, max int) ([]MessageRecord, error) {
	var out []MessageRecord
	err := s.coor.Read(func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT m.sender, m.text, m.filename FROM messages m
			JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.username = ?
			WHERE m.sender != ?
			ORDER BY m.sent_time DESC, m.message_id DESC
			LIMIT ?`, receiver, receiver, max)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sender string
			var text, filename sql.NullString
			if err := rows.Scan(&sender, &text, &filename); err != nil {
				return err
			}
			if filename.Valid {
				out = append(out, MessageRecord{IsFile: true, Sender: sender, TextOrFilename: filename.String})
			} else {
				out = append(out, MessageRecord{IsFile: false, Sender: sender, TextOrFilename: text.String})
			}
		}
		return rows.Err()
	})
	return out, err
}

// FileMessage locates the most recent message sent to receiver carrying
// the given filename, and returns its message_id (the blob's storage key).
func (s *Store) FileMessage(receiver, filename string) (int64, error) {
	var id int64
	err := s.coor.Read(func(db *sql.DB) error {
		row := db.QueryRow(`
			SELECT m.message_id FROM messages m
			JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.username = ?
			WHERE m.filename = ? AND m.sender != ?
			ORDER BY m.sent_time DESC, m.message_id DESC
			LIMIT 1`, receiver, filename, receiver)
		err := row.Scan(&id)
		if err == sql.ErrNoRows {
			return ErrNoSuchFile
		}
		return err
	})
	return id, err
}

// Stats is a snapshot of the Statistics entity (spec.md §3).
type Stats struct {
	NotDeliveredTxt  int64
	NotDeliveredFile int64
	DeliveredTxt     int64
	DeliveredFile    int64
	Errors           int64
	NUsers           int64
	NOnline          int64
}

// IncrDeliveredTxt/File and IncrNotDeliveredTxt/File/IncrErrors bump the
// monotonic counters backing spec.md §7's "each sent error-op increments
// errors; success replies never increment it".
func (s *Store) IncrDeliveredTxt() error     { return s.bump("delivered_txt") }
func (s *Store) IncrDeliveredFile() error    { return s.bump("delivered_file") }
func (s *Store) IncrNotDeliveredTxt() error  { return s.bump("not_delivered_txt") }
func (s *Store) IncrNotDeliveredFile() error { return s.bump("not_delivered_file") }
func (s *Store) IncrErrors() error           { return s.bump("error_count") }

func (s *Store) bump(column string) error {
	return s.coor.Write(func(db *sql.DB) error {
		_, err := db.Exec(fmt.Sprintf(`UPDATE stats SET %s = %s + 1 WHERE id = 1`, column, column))
		return err
	})
}

// GetStats returns a full snapshot of the Statistics entity, with nusers
// and nonline derived over the users table.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	err := s.coor.Read(func(db *sql.DB) error {
		if err := db.QueryRow(
			`SELECT not_delivered_txt, not_delivered_file, delivered_txt, delivered_file, error_count FROM stats WHERE id = 1`,
		).Scan(&st.NotDeliveredTxt, &st.NotDeliveredFile, &st.DeliveredTxt, &st.DeliveredFile, &st.Errors); err != nil {
			return err
		}
		if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&st.NUsers); err != nil {
			return err
		}
		return db.QueryRow(`SELECT COUNT(*) FROM users WHERE current_fd != ?`, VoidFD).Scan(&st.NOnline)
	})
	return st, err
}

// Optimize runs PRAGMA optimize, as the teacher's storage layer does
// periodically to keep the query planner's statistics fresh.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup writes a consistent copy of the database to destPath via
// VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

// WriteStatsFile dumps a plaintext snapshot of the Statistics entity to
// path, standing in for the original's SIGUSR1-triggered stats file without
// reviving its signal-thread scaffolding (that remains out of scope).
func (s *Store) WriteStatsFile(path string) error {
	st, err := s.GetStats()
	if err != nil {
		return fmt.Errorf("snapshot stats: %w", err)
	}
	body := fmt.Sprintf(
		"nusers=%d\nnonline=%d\ndelivered_txt=%d\ndelivered_file=%d\nnot_delivered_txt=%d\nnot_delivered_file=%d\nerrors=%d\n",
		st.NUsers, st.NOnline, st.DeliveredTxt, st.DeliveredFile, st.NotDeliveredTxt, st.NotDeliveredFile, st.Errors,
	)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	return nil
}
