// Package dispatch implements the worker routine (spec C7): it pops jobs
// off the shared queue, serializes per-fd operations through the critical
// zone, executes the corresponding domain operation against the state
// repository, and writes the reply (and any deliveries) back through the
// write serializer.
package dispatch

import (
	"bytes"
	"errors"
	"io"
	"log"
	"path/filepath"

	"chatty/internal/blob"
	"chatty/internal/connset"
	"chatty/internal/critzone"
	"chatty/internal/queue"
	"chatty/internal/store"
	"chatty/internal/wire"
	"chatty/internal/writer"
)

// Config carries the operation ceilings a worker must enforce itself
// (the acceptor enforces the frame-level ones at ingress).
type Config struct {
	MaxFileSize int // bytes, not KiB — already multiplied by the caller
	MaxHistMsgs int
}

// Worker drains the shared queue and executes one job at a time.
type Worker struct {
	id    int
	q     *queue.Queue
	zone  *critzone.Zone
	wr    *writer.Serializer
	st    *store.Store
	blobs *blob.Store
	conns *connset.Set
	cfg   Config
}

// New returns a Worker identified by id. Distinct workers must use
// distinct ids — the critical zone and write serializer key their
// bookkeeping on it.
func New(id int, q *queue.Queue, zone *critzone.Zone, wr *writer.Serializer, st *store.Store, blobs *blob.Store, conns *connset.Set, cfg Config) *Worker {
	return &Worker{id: id, q: q, zone: zone, wr: wr, st: st, blobs: blobs, conns: conns, cfg: cfg}
}

// Run pops and executes jobs until it observes the termination sentinel.
func (w *Worker) Run() {
	for {
		job := w.q.Pop()
		if job.FD == queue.TerminationFD && job.Frame.Header.Op == wire.OpNoop {
			return
		}

		phase := phaseFor(job.Frame.Header.Op)
		if !w.zone.Try(w.id, job.FD, phase) {
			w.q.Push(job)
			continue
		}
		w.dispatch(job)
		w.zone.Clear(w.id)
	}
}

func phaseFor(op wire.Op) critzone.Phase {
	switch op {
	case wire.OpRegister, wire.OpConnect:
		return critzone.Signup
	case wire.OpDisconnect, wire.OpUnregister:
		return critzone.Ending
	default:
		return critzone.Generic
	}
}

func (w *Worker) dispatch(job queue.Job) {
	f := job.Frame
	fd := job.FD

	switch f.Header.Op {
	case wire.OpRegister:
		w.handleRegister(fd, f)
	case wire.OpConnect:
		w.handleConnect(fd, f)
	case wire.OpDisconnect:
		w.handleDisconnect(fd)
	case wire.OpUnregister:
		w.handleUnregister(fd, f)
	case wire.OpUsrList:
		w.handleUsrList(fd, f)
	case wire.OpPostTxt:
		w.handlePostTxt(fd, f)
	case wire.OpPostFile:
		w.handlePostFile(fd, job)
	case wire.OpPostTxtAll:
		w.handlePostTxtAll(fd, f)
	case wire.OpGetFile:
		w.handleGetFile(fd, f)
	case wire.OpGetPrevMsgs:
		w.handleGetPrevMsgs(fd, f)
	case wire.OpCreateGroup:
		w.handleCreateGroup(fd, f)
	case wire.OpAddGroup:
		w.handleAddGroup(fd, f)
	case wire.OpDelGroup:
		w.handleDelGroup(fd, f)
	case wire.OpUnregisterGroup:
		w.handleUnregisterGroup(fd, f)
	case wire.OpFail, wire.OpMsgTooLong:
		// Already rewritten by the acceptor; just ack and count it.
		w.failAndCount(fd, f.Header.Sender, f.Header.Op)
	default:
		w.failAndCount(fd, f.Header.Sender, wire.OpFail)
	}
}

// checkFatal terminates the process on a store error that is neither a
// known domain outcome nor the coordinator's shutdown signal — matching
// spec.md §7's "any other non-OK/non-CONSTRAINT is fatal" rule.
func (w *Worker) checkFatal(err error) {
	if err == nil || errors.Is(err, store.ErrTerminated) {
		return
	}
	switch {
	case errors.Is(err, store.ErrNickAlready),
		errors.Is(err, store.ErrNickUnknown),
		errors.Is(err, store.ErrNoSuchFile),
		errors.Is(err, store.ErrNotMember),
		errors.Is(err, store.ErrNotCreator),
		errors.Is(err, store.ErrAlreadyConnected),
		errors.Is(err, store.ErrUnknownDestination):
		return
	default:
		log.Fatalf("[worker %d] unrecoverable store error: %v", w.id, err)
	}
}

func (w *Worker) sendFrame(fd int, f wire.Frame) error {
	conn, ok := w.conns.Get(fd)
	if !ok {
		return errNotConnected
	}
	lock := w.wr.StartWrite(fd)
	defer w.wr.StopWrite(lock)
	_, err := wire.WriteFrame(conn, f)
	return err
}

var errNotConnected = errors.New("dispatch: fd has no registered connection")

func (w *Worker) ackOK(fd int, sender string) {
	if err := w.sendFrame(fd, wire.Frame{Header: wire.Header{Op: wire.OpOK, Sender: sender}}); err != nil {
		log.Printf("[worker %d] ack to fd %d: %v", w.id, fd, err)
	}
}

func (w *Worker) failAndCount(fd int, sender string, op wire.Op) {
	w.checkFatal(w.st.IncrErrors())
	if err := w.sendFrame(fd, wire.Frame{Header: wire.Header{Op: op, Sender: sender}}); err != nil {
		log.Printf("[worker %d] failure ack to fd %d: %v", w.id, fd, err)
	}
}

func (w *Worker) replyOKUserList(fd int, sender string) {
	names, err := w.st.OnlineUsernames()
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	payload := wire.EncodeNameList(names)
	if err := w.sendFrame(fd, wire.Frame{
		Header:     wire.Header{Op: wire.OpOK, Sender: sender},
		DataHeader: wire.DataHeader{Len: uint32(len(payload))},
		Payload:    payload,
	}); err != nil {
		log.Printf("[worker %d] user-list reply to fd %d: %v", w.id, fd, err)
	}
}

func (w *Worker) handleRegister(fd int, f wire.Frame) {
	sender := f.Header.Sender
	err := w.st.InsertUser(sender, fd)
	w.checkFatal(err)
	switch {
	case err == nil:
		w.replyOKUserList(fd, sender)
	case errors.Is(err, store.ErrNickAlready):
		w.failAndCount(fd, sender, wire.OpNickAlready)
	default:
		w.failAndCount(fd, sender, wire.OpFail)
	}
}

func (w *Worker) handleConnect(fd int, f wire.Frame) {
	sender := f.Header.Sender
	err := w.st.ConnectUser(sender, fd)
	w.checkFatal(err)
	switch {
	case err == nil:
		w.replyOKUserList(fd, sender)
	case errors.Is(err, store.ErrNickUnknown):
		w.failAndCount(fd, sender, wire.OpNickUnknown)
	default:
		w.failAndCount(fd, sender, wire.OpFail)
	}
}

func (w *Worker) handleDisconnect(fd int) {
	w.checkFatal(w.st.DisconnectByFD(fd))
	w.wr.Forget(fd)
	if conn, ok := w.conns.Remove(fd); ok {
		conn.Close()
	}
}

func (w *Worker) handleUnregister(fd int, f wire.Frame) {
	sender := f.Header.Sender
	err := w.st.RemoveUser(sender)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	w.ackOK(fd, sender)
}

func (w *Worker) handleUsrList(fd int, f wire.Frame) {
	w.replyOKUserList(fd, f.Header.Sender)
}

// resolveDestinationChat maps a POSTTXT/POSTFILE receiver field to a chat
// id: an existing username resolves to (and lazily creates) the peer chat
// between sender and receiver; otherwise receiver must be a group the
// sender belongs to. A receiver that is neither a known user nor an
// existing group returns ErrUnknownDestination (→ OP_FAIL); a group that
// exists but that sender does not belong to returns ErrNotMember
// (→ OP_NICK_UNKNOWN) — original_source/src/queries.c distinguishes these
// the same way (no_fd=-1 vs. NOT_IN_GROUP).
func (w *Worker) resolveDestinationChat(sender, receiver string) (int64, error) {
	exists, err := w.st.UserExists(receiver)
	if err != nil {
		return 0, err
	}
	if exists {
		chatID, ok, err := w.st.PeerChatID(sender, receiver)
		if err != nil {
			return 0, err
		}
		if ok {
			return chatID, nil
		}
		chatID, err = w.st.CreatePeerChat()
		if err != nil {
			return 0, err
		}
		if err := w.st.InsertIntoChat(sender, chatID); err != nil && !errors.Is(err, store.ErrNickAlready) {
			return 0, err
		}
		if err := w.st.InsertIntoChat(receiver, chatID); err != nil && !errors.Is(err, store.ErrNickAlready) {
			return 0, err
		}
		return chatID, nil
	}

	chatID, ok, err := w.st.GroupChatID(receiver)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, store.ErrUnknownDestination
	}
	member, err := w.st.IsMember(chatID, sender)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, store.ErrNotMember
	}
	return chatID, nil
}

// deliverToChat writes f to every member of chatID except sender,
// counting deliveries and non-deliveries as it goes.
func (w *Worker) deliverToChat(chatID int64, sender string, makeFrame func(receiver string) wire.Frame, isFile bool) {
	recipients, err := w.st.ChatRecipients(chatID, sender)
	w.checkFatal(err)
	if err != nil {
		return
	}
	for _, r := range recipients {
		w.deliverOne(r, makeFrame(r.Username), isFile)
	}
}

func (w *Worker) deliverOne(r store.Recipient, f wire.Frame, isFile bool) {
	if r.FD == store.VoidFD {
		if isFile {
			w.checkFatal(w.st.IncrNotDeliveredFile())
		} else {
			w.checkFatal(w.st.IncrNotDeliveredTxt())
		}
		return
	}
	if err := w.sendFrame(r.FD, f); err != nil {
		if isFile {
			w.checkFatal(w.st.IncrNotDeliveredFile())
		} else {
			w.checkFatal(w.st.IncrNotDeliveredTxt())
		}
		return
	}
	if isFile {
		w.checkFatal(w.st.IncrDeliveredFile())
	} else {
		w.checkFatal(w.st.IncrDeliveredTxt())
	}
}

func (w *Worker) handlePostTxt(fd int, f wire.Frame) {
	sender := f.Header.Sender
	receiver := f.DataHeader.Receiver
	text := string(f.Payload)

	if receiver == sender {
		// original_source/src/queries.c:571-575 treats a self-send as
		// no_fd=-1, which slaves.c:461 replies to with OP_FAIL.
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	chatID, err := w.resolveDestinationChat(sender, receiver)
	if errors.Is(err, store.ErrNotMember) {
		w.failAndCount(fd, sender, wire.OpNickUnknown)
		return
	}
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	if _, err := w.st.InsertText(sender, text, chatID); err != nil {
		w.checkFatal(err)
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	w.deliverToChat(chatID, sender, func(receiver string) wire.Frame {
		return wire.Frame{
			Header:     wire.Header{Op: wire.OpTxtMessage, Sender: sender},
			DataHeader: wire.DataHeader{Receiver: receiver, Len: uint32(len(text))},
			Payload:    []byte(text),
		}
	}, false)

	w.ackOK(fd, sender)
}

func (w *Worker) handlePostTxtAll(fd int, f wire.Frame) {
	sender := f.Header.Sender
	text := string(f.Payload)

	recipients, err := w.st.AllRecipients(sender)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	for _, r := range recipients {
		w.deliverOne(r, wire.Frame{
			Header:     wire.Header{Op: wire.OpTxtMessage, Sender: sender},
			DataHeader: wire.DataHeader{Receiver: r.Username, Len: uint32(len(text))},
			Payload:    []byte(text),
		}, false)
	}
	w.ackOK(fd, sender)
}

// handlePostFile stores the blob and delivers FILE_MESSAGE to every
// recipient. job.FileBytes is the explicit second-field payload the
// acceptor read separately — see spec.md §9's resolution of open question
// (b): no buffer is merged or null-byte-split here.
func (w *Worker) handlePostFile(fd int, job queue.Job) {
	f := job.Frame
	sender := f.Header.Sender
	receiver := f.DataHeader.Receiver
	filename := filepath.Base(string(f.Payload))

	if len(job.FileBytes) > w.cfg.MaxFileSize {
		w.failAndCount(fd, sender, wire.OpMsgTooLong)
		return
	}

	if receiver == sender {
		// original_source/src/queries.c:571-575 treats a self-send as
		// no_fd=-1, which slaves.c:461 replies to with OP_FAIL.
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	chatID, err := w.resolveDestinationChat(sender, receiver)
	if errors.Is(err, store.ErrNotMember) {
		w.failAndCount(fd, sender, wire.OpNickUnknown)
		return
	}
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	msgID, err := w.st.InsertFile(sender, filename, chatID)
	if err != nil {
		w.checkFatal(err)
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	if _, err := w.blobs.Put(msgID, bytes.NewReader(job.FileBytes)); err != nil {
		log.Printf("[worker %d] blob put for message %d: %v", w.id, msgID, err)
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	w.deliverToChat(chatID, sender, func(receiver string) wire.Frame {
		return wire.Frame{
			Header:     wire.Header{Op: wire.OpFileMessage, Sender: sender},
			DataHeader: wire.DataHeader{Receiver: receiver, Len: uint32(len(filename))},
			Payload:    []byte(filename),
		}
	}, true)

	w.ackOK(fd, sender)
}

func (w *Worker) handleGetFile(fd int, f wire.Frame) {
	sender := f.Header.Sender
	filename := filepath.Base(string(f.Payload))

	msgID, err := w.st.FileMessage(sender, filename)
	if errors.Is(err, store.ErrNoSuchFile) {
		w.failAndCount(fd, sender, wire.OpNoSuchFile)
		return
	}
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	file, err := w.blobs.Open(msgID)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpNoSuchFile)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	payload := make([]byte, info.Size())
	if _, err := io.ReadFull(file, payload); err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	if err := w.sendFrame(fd, wire.Frame{
		Header:     wire.Header{Op: wire.OpOK, Sender: sender},
		DataHeader: wire.DataHeader{Receiver: sender, Len: uint32(len(payload))},
		Payload:    payload,
	}); err != nil {
		log.Printf("[worker %d] GETFILE reply to fd %d: %v", w.id, fd, err)
	}
}

func (w *Worker) handleGetPrevMsgs(fd int, f wire.Frame) {
	sender := f.Header.Sender
	msgs, err := w.st.RecentMessages(sender, w.cfg.MaxHistMsgs)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}

	if err := w.sendFrame(fd, wire.Frame{
		Header:     wire.Header{Op: wire.OpOK, Sender: sender},
		DataHeader: wire.DataHeader{Len: wire.CountSize},
		Payload:    wire.EncodeCount(uint64(len(msgs))),
	}); err != nil {
		log.Printf("[worker %d] GETPREVMSGS count reply to fd %d: %v", w.id, fd, err)
		return
	}

	for _, m := range msgs {
		op := wire.OpTxtMessage
		if m.IsFile {
			op = wire.OpFileMessage
		}
		if err := w.sendFrame(fd, wire.Frame{
			Header:     wire.Header{Op: op, Sender: m.Sender},
			DataHeader: wire.DataHeader{Receiver: sender, Len: uint32(len(m.TextOrFilename))},
			Payload:    []byte(m.TextOrFilename),
		}); err != nil {
			log.Printf("[worker %d] GETPREVMSGS entry to fd %d: %v", w.id, fd, err)
			return
		}
	}
}

func (w *Worker) handleCreateGroup(fd int, f wire.Frame) {
	sender := f.Header.Sender
	name := f.DataHeader.Receiver
	_, err := w.st.CreateGroup(name, sender)
	w.checkFatal(err)
	switch {
	case err == nil:
		w.ackOK(fd, sender)
	case errors.Is(err, store.ErrNickAlready):
		w.failAndCount(fd, sender, wire.OpNickAlready)
	default:
		w.failAndCount(fd, sender, wire.OpFail)
	}
}

func (w *Worker) handleAddGroup(fd int, f wire.Frame) {
	sender := f.Header.Sender
	name := f.DataHeader.Receiver
	chatID, ok, err := w.st.GroupChatID(name)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	if !ok {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	err = w.st.InsertIntoChat(sender, chatID)
	w.checkFatal(err)
	switch {
	case err == nil:
		w.ackOK(fd, sender)
	case errors.Is(err, store.ErrNickAlready):
		w.failAndCount(fd, sender, wire.OpNickAlready)
	default:
		w.failAndCount(fd, sender, wire.OpFail)
	}
}

func (w *Worker) handleDelGroup(fd int, f wire.Frame) {
	sender := f.Header.Sender
	name := f.DataHeader.Receiver
	chatID, ok, err := w.st.GroupChatID(name)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	if !ok {
		w.failAndCount(fd, sender, wire.OpNickUnknown)
		return
	}
	err = w.st.RemoveFromGroup(chatID, sender)
	w.checkFatal(err)
	switch {
	case err == nil:
		w.ackOK(fd, sender)
	case errors.Is(err, store.ErrNotMember):
		w.failAndCount(fd, sender, wire.OpNickUnknown)
	default:
		w.failAndCount(fd, sender, wire.OpFail)
	}
}

func (w *Worker) handleUnregisterGroup(fd int, f wire.Frame) {
	sender := f.Header.Sender
	name := f.DataHeader.Receiver
	err := w.st.DeleteGroup(sender, name)
	w.checkFatal(err)
	if err != nil {
		w.failAndCount(fd, sender, wire.OpFail)
		return
	}
	w.ackOK(fd, sender)
}
