package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"chatty/internal/blob"
	"chatty/internal/connset"
	"chatty/internal/critzone"
	"chatty/internal/dispatch"
	"chatty/internal/queue"
	"chatty/internal/store"
	"chatty/internal/wire"
	"chatty/internal/writer"
)

// Config carries every value in spec.md §6's Configuration table plus the
// ambient additions SPEC_FULL.md calls for (store/blob paths, admin
// listen address).
type Config struct {
	UnixPath       string
	MaxConnections int
	ThreadsInPool  int
	MaxMsgSize     int // bytes
	MaxFileSize    int // KiB, as configured; multiplied by 1024 before use
	MaxHistMsgs    int
	DirName        string // blob root directory
	StatFileName   string

	DBPath    string
	AdminAddr string // empty disables the admin HTTP surface
}

// Lifecycle owns every long-lived resource of the chat server (spec C9):
// storage, the blob directory, the worker pool, and the acceptor loop. Start
// blocks until ctx is canceled or a fatal startup error occurs.
type Lifecycle struct {
	cfg Config

	st    *store.Store
	blobs *blob.Store
	q     *queue.Queue
	zone  *critzone.Zone
	wr    *writer.Serializer
	conns *connset.Set

	ln net.Listener

	nextFD atomic.Int64
	wg     sync.WaitGroup
}

// NewLifecycle constructs a Lifecycle around cfg. Call Start to run it.
func NewLifecycle(cfg Config) *Lifecycle {
	return &Lifecycle{cfg: cfg}
}

// Start performs C9's start sequence, then runs the acceptor loop until ctx
// is canceled, then performs the stop sequence before returning.
func (l *Lifecycle) Start(ctx context.Context) error {
	st, err := store.Open(l.cfg.DBPath)
	if err != nil {
		return err
	}
	l.st = st
	defer l.st.Close()
	defer l.st.Shutdown()

	blobs, err := blob.NewStore(l.cfg.DirName)
	if err != nil {
		return err
	}
	l.blobs = blobs

	l.q = queue.New()
	l.zone = critzone.New()
	l.wr = writer.New()
	l.conns = connset.New()

	if err := os.Remove(l.cfg.UnixPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", l.cfg.UnixPath)
	if err != nil {
		return err
	}
	l.ln = ln
	defer ln.Close()
	defer os.Remove(l.cfg.UnixPath)

	workerCfg := dispatch.Config{
		MaxFileSize: l.cfg.MaxFileSize * 1024,
		MaxHistMsgs: l.cfg.MaxHistMsgs,
	}
	for i := 0; i < l.cfg.ThreadsInPool; i++ {
		w := dispatch.New(i, l.q, l.zone, l.wr, l.st, l.blobs, l.conns, workerCfg)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			w.Run()
		}()
	}

	log.Printf("[lifecycle] listening on %s (workers=%d)", l.cfg.UnixPath, l.cfg.ThreadsInPool)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		l.acceptLoop(ctx)
	}()

	<-ctx.Done()
	log.Printf("[lifecycle] shutting down")
	ln.Close()
	<-acceptDone

	l.q.Close()
	l.st.Shutdown()
	l.wg.Wait()

	for _, fd := range l.conns.Snapshot() {
		if conn, ok := l.conns.Remove(fd); ok {
			conn.Close()
		}
	}

	log.Printf("[lifecycle] stopped")
	return nil
}

// acceptLoop is C8: a goroutine-per-connection accept loop standing in for
// the original's single-threaded select() multiplexing — the Design Notes
// allow either, provided forward progress is preserved, and a select()
// equivalent over arbitrary fds has no idiomatic Go counterpart.
// acceptRatePerSecond bounds how fast the loop admits new connections,
// independent of cfg.MaxConnections (the steady-state cap enforced below) —
// a reconnect storm should queue at accept() rather than starve already-
// connected fds of write-serializer/worker attention.
const acceptRatePerSecond = 200

func (l *Lifecycle) acceptLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Limit(acceptRatePerSecond), l.cfg.MaxConnections+2)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[acceptor] accept: %v", err)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if l.conns.Len() >= l.cfg.MaxConnections {
			conn.Close()
			continue
		}
		fd := int(l.nextFD.Add(1))
		l.conns.Add(fd, conn)
		go l.serve(fd, conn)
	}
}

// serve reads frames from conn until it closes or errors, enqueueing one
// job per frame (spec.md §4.8's per-client-fd transition table).
func (l *Lifecycle) serve(fd int, conn net.Conn) {
	for {
		hdr, n, err := wire.ReadHeader(conn)
		if n <= 0 || err != nil {
			l.disconnect(fd)
			return
		}

		op := hdr.Op
		if !wire.IsClientOp(op) {
			op = wire.OpFail
		}

		dh, payload, n, err := wire.ReadDataWithLimit(conn, uint32(l.cfg.MaxMsgSize))
		if err == wire.ErrTooLarge {
			l.q.Push(queue.Job{FD: fd, Frame: wire.Frame{
				Header: wire.Header{Op: wire.OpMsgTooLong, Sender: hdr.Sender},
			}})
			continue
		}
		if n <= 0 || err != nil {
			l.disconnect(fd)
			return
		}

		frame := wire.Frame{
			Header:     wire.Header{Op: op, Sender: hdr.Sender},
			DataHeader: dh,
			Payload:    payload,
		}

		if op != wire.OpPostFile {
			l.q.Push(queue.Job{FD: fd, Frame: frame})
			continue
		}

		fileBytes, tooLarge, ok := l.readPostFileSecondFrame(fd, conn)
		if !ok {
			return
		}
		if tooLarge {
			l.q.Push(queue.Job{FD: fd, Frame: wire.Frame{
				Header:     wire.Header{Op: wire.OpMsgTooLong, Sender: hdr.Sender},
				DataHeader: wire.DataHeader{Receiver: dh.Receiver},
			}})
			continue
		}
		l.q.Push(queue.Job{FD: fd, Frame: frame, FileBytes: fileBytes})
	}
}

// readPostFileSecondFrame reads POSTFILE's paired data frame (spec.md §4.7's
// resolution of open question (b): the file's bytes travel as an explicit
// field, never merged into the first frame's buffer). ok is false if the
// connection must be torn down (disconnect has already been handled); if
// the declared length exceeds the configured file-size ceiling, tooLarge is
// true and the stream has already been drained back into frame alignment.
func (l *Lifecycle) readPostFileSecondFrame(fd int, conn net.Conn) (fileBytes []byte, tooLarge, ok bool) {
	if _, n, err := wire.ReadHeader(conn); n <= 0 || err != nil {
		l.disconnect(fd)
		return nil, false, false
	}
	_, payload, n, err := wire.ReadDataWithLimit(conn, uint32(l.cfg.MaxFileSize*1024))
	if err == wire.ErrTooLarge {
		return nil, true, true
	}
	if n <= 0 || err != nil {
		l.disconnect(fd)
		return nil, false, false
	}
	return payload, false, true
}

func (l *Lifecycle) disconnect(fd int) {
	l.q.Push(queue.Job{FD: fd, Frame: wire.Frame{Header: wire.Header{Op: wire.OpDisconnect}}})
}
