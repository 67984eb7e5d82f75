// Package writer implements the per-fd write serializer (spec C5): it
// guarantees that at most one worker is ever writing to a given
// connection at a time, so frames from concurrent workers never interleave
// on the wire.
package writer

import "sync"

// Serializer hands out exclusive per-fd write access. The zero value is
// not usable; use New.
type Serializer struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// New returns a ready-to-use Serializer.
func New() *Serializer {
	return &Serializer{locks: make(map[int]*sync.Mutex)}
}

func (s *Serializer) lockFor(fd int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[fd]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fd] = l
	}
	return l
}

// StartWrite blocks until no other worker holds fd's write lock, then
// claims it and returns the held mutex — callers must pass that same
// handle to StopWrite. The original slaves.c scans a fixed worker-id→fd
// table; here one lazily-created mutex per fd gives the same "at most one
// writer per fd" guarantee with O(1) acquisition instead of an O(threads)
// scan.
//
// Handing back the locked mutex itself (rather than having StopWrite
// re-look-up fd in the map) matters: a concurrent DISCONNECT on fd can run
// Forget between this call and the matching StopWrite, and a lookup-based
// StopWrite would then find no entry, fabricate a fresh *unlocked* mutex,
// and panic unlocking it. Pairing on the handle means StopWrite always
// unlocks the exact mutex StartWrite locked, regardless of what Forget
// does to the map in between.
func (s *Serializer) StartWrite(fd int) *sync.Mutex {
	l := s.lockFor(fd)
	l.Lock()
	return l
}

// StopWrite releases the write lock returned by the matching StartWrite.
func (s *Serializer) StopWrite(l *sync.Mutex) {
	l.Unlock()
}

// Forget drops the per-fd lock entry once a connection is known closed, so
// the map does not grow unboundedly over the server's lifetime. It is safe
// to call even while another goroutine is between StartWrite and StopWrite
// for fd: that goroutine holds the mutex handle directly, not a map
// lookup, so removing the map entry here only affects the *next*
// StartWrite(fd), which lazily creates a fresh mutex.
func (s *Serializer) Forget(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, fd)
}
