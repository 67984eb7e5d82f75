package store

import (
	"database/sql"
	"errors"
	"strings"
	"sync"

	"modernc.org/sqlite"
)

// ErrTerminated is returned by Coordinator.Read/Write once Shutdown has
// been called: both paths fail fast instead of taking the lock.
var ErrTerminated = errors.New("store: coordinator terminated")

// Coordinator implements the readers/writer access policy (spec C2) in
// front of the SQLite handle: any number of concurrent readers, or one
// writer, never both; a termination flag makes every waiter fail fast for
// a clean shutdown.
type Coordinator struct {
	db *sql.DB

	mu        sync.Mutex
	cond      *sync.Cond
	readers   int
	writing   bool
	terminate bool
}

// newCoordinator wraps db with the readers/writer policy.
func newCoordinator(db *sql.DB) *Coordinator {
	c := &Coordinator{db: db}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Read runs fn with the readers/writer policy's read-mode admission rule:
// it waits while a writer is active, then runs fn concurrently with any
// other readers.
func (c *Coordinator) Read(fn func(*sql.DB) error) error {
	c.mu.Lock()
	for c.writing && !c.terminate {
		c.cond.Wait()
	}
	if c.terminate {
		c.mu.Unlock()
		return ErrTerminated
	}
	c.readers++
	c.mu.Unlock()

	err := c.runWithRetry(fn)

	c.mu.Lock()
	c.readers--
	if c.readers == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	return err
}

// Write runs fn with exclusive access: it waits until there are no
// readers and no other writer, then holds the lock across the call.
func (c *Coordinator) Write(fn func(*sql.DB) error) error {
	c.mu.Lock()
	for (c.writing || c.readers > 0) && !c.terminate {
		c.cond.Wait()
	}
	if c.terminate {
		c.mu.Unlock()
		return ErrTerminated
	}
	c.writing = true
	c.mu.Unlock()

	err := c.runWithRetry(fn)

	c.mu.Lock()
	c.writing = false
	c.cond.Broadcast()
	c.mu.Unlock()

	return err
}

// runWithRetry executes fn, retrying exactly once on a transient
// SQLITE_BUSY/SQLITE_LOCKED response (the "second-chance" policy). Any
// other non-nil, non-constraint-violation error is considered fatal by
// callers further up the stack.
func (c *Coordinator) runWithRetry(fn func(*sql.DB) error) error {
	err := fn(c.db)
	if err != nil && isBusyOrLocked(err) {
		err = fn(c.db)
	}
	return err
}

// Shutdown flips the termination flag and wakes every waiter; subsequent
// Read/Write calls fail fast with ErrTerminated.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate = true
	c.cond.Broadcast()
}

func isBusyOrLocked(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case 5 /* SQLITE_BUSY */, 6 /* SQLITE_LOCKED */ :
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsConstraintViolation reports whether err is a unique/foreign-key
// constraint failure, the one class of non-OK response the coordinator's
// callers treat as an ordinary domain outcome rather than a fatal error.
func IsConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// SQLITE_CONSTRAINT and its extended codes all share the low byte 19.
		return sqliteErr.Code()&0xff == 19
	}
	return strings.Contains(err.Error(), "constraint")
}
