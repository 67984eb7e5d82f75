// Package wire implements the chatty frame codec: the fixed header/data-header
// layout read and written on every connection, plus the read/write-until-complete
// helpers that make partial reads and writes transparent to callers.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// NameSize is the fixed on-wire width of a username or filename field,
// including the trailing NUL (spec: char[32+1]).
const NameSize = 33

// MaxName is the longest username/group name accepted, excluding the NUL.
const MaxName = 32

// MaxAllocableBuffer is the absolute payload ceiling, independent of any
// configured per-message limit; frames declaring a larger length are
// rejected before any allocation occurs.
const MaxAllocableBuffer = 13107200 // ~12.5 MiB

// Op is the 4-byte opcode discriminating a frame.
type Op int32

const (
	OpRegister Op = iota + 1
	OpConnect
	OpPostTxt
	OpPostTxtAll
	OpPostFile
	OpGetFile
	OpGetPrevMsgs
	OpUsrList
	OpUnregister
	OpDisconnect
	OpCreateGroup
	OpAddGroup
	OpDelGroup
	OpUnregisterGroup

	// Server-to-client delivery ops.
	OpTxtMessage
	OpFileMessage

	// Reply ops.
	OpOK
	OpFail
	OpNickAlready
	OpNickUnknown
	OpMsgTooLong
	OpNoSuchFile

	// OpNoop is the termination-sentinel opcode; never sent on the wire.
	OpNoop
)

func (o Op) String() string {
	switch o {
	case OpRegister:
		return "REGISTER"
	case OpConnect:
		return "CONNECT"
	case OpPostTxt:
		return "POSTTXT"
	case OpPostTxtAll:
		return "POSTTXTALL"
	case OpPostFile:
		return "POSTFILE"
	case OpGetFile:
		return "GETFILE"
	case OpGetPrevMsgs:
		return "GETPREVMSGS"
	case OpUsrList:
		return "USRLIST"
	case OpUnregister:
		return "UNREGISTER"
	case OpDisconnect:
		return "DISCONNECT"
	case OpCreateGroup:
		return "CREATEGROUP"
	case OpAddGroup:
		return "ADDGROUP"
	case OpDelGroup:
		return "DELGROUP"
	case OpUnregisterGroup:
		return "UNREGISTER_GROUP"
	case OpTxtMessage:
		return "TXT_MESSAGE"
	case OpFileMessage:
		return "FILE_MESSAGE"
	case OpOK:
		return "OP_OK"
	case OpFail:
		return "OP_FAIL"
	case OpNickAlready:
		return "OP_NICK_ALREADY"
	case OpNickUnknown:
		return "OP_NICK_UNKNOWN"
	case OpMsgTooLong:
		return "OP_MSG_TOOLONG"
	case OpNoSuchFile:
		return "OP_NO_SUCH_FILE"
	case OpNoop:
		return "OP_NOOP"
	default:
		return "OP_UNKNOWN"
	}
}

// IsClientOp reports whether op is one a client may legitimately send as
// a request; anything else (a reply op, a negative/reserved value, or an
// unknown op) must be rewritten to OpFail by the acceptor before it
// reaches a worker.
func IsClientOp(op Op) bool {
	switch op {
	case OpRegister, OpConnect, OpPostTxt, OpPostTxtAll, OpPostFile, OpGetFile,
		OpGetPrevMsgs, OpUsrList, OpUnregister, OpDisconnect, OpCreateGroup,
		OpAddGroup, OpDelGroup, OpUnregisterGroup:
		return true
	default:
		return false
	}
}

// ErrTooLarge is returned by ReadPayload, ReadData and ReadFrame when a
// frame declares a payload past MaxAllocableBuffer, and by
// ReadDataWithLimit past its limit; no allocation is attempted.
var ErrTooLarge = errors.New("wire: payload exceeds max allocable buffer")

// Header is the fixed leading portion of every frame.
type Header struct {
	Op     Op
	Sender string // at most MaxName bytes
}

// DataHeader follows Header and precedes the payload.
type DataHeader struct {
	Receiver string // at most MaxName bytes
	Len      uint32
}

// Frame is a fully decoded header + data-header + payload.
type Frame struct {
	Header
	DataHeader
	Payload []byte
}

const headerWireSize = 4 + NameSize
const dataHeaderWireSize = NameSize + 4

// encodeName writes s into dst, truncated to len(dst)-1 bytes and
// NUL-padded, so the field always ends in a NUL.
func encodeName(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

func decodeName(src []byte) string {
	if i := indexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WriteHeader serializes and writes hdr using loop-until-complete writes.
// It returns the same status convention as spec.md §4.1: n>0 on success
// (bytes transferred), 0 if the peer closed mid-write, a non-nil error
// otherwise.
func WriteHeader(w io.Writer, hdr Header) (int, error) {
	buf := make([]byte, headerWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(hdr.Op))
	encodeName(buf[4:4+NameSize], hdr.Sender)
	return writeFull(w, buf)
}

// ReadHeader reads a Header using loop-until-complete reads.
func ReadHeader(r io.Reader) (Header, int, error) {
	buf := make([]byte, headerWireSize)
	n, err := readFull(r, buf)
	if n <= 0 || err != nil {
		return Header{}, n, err
	}
	return Header{
		Op:     Op(binary.LittleEndian.Uint32(buf[0:4])),
		Sender: decodeName(buf[4 : 4+NameSize]),
	}, n, nil
}

// WriteData serializes and writes a DataHeader plus payload.
func WriteData(w io.Writer, dh DataHeader, payload []byte) (int, error) {
	buf := make([]byte, dataHeaderWireSize)
	encodeName(buf[0:NameSize], dh.Receiver)
	binary.LittleEndian.PutUint32(buf[NameSize:NameSize+4], dh.Len)

	n, err := writeFull(w, buf)
	if n <= 0 || err != nil {
		return n, err
	}
	if dh.Len == 0 {
		return n, nil
	}
	m, err := writeFull(w, payload)
	if m <= 0 || err != nil {
		return m, err
	}
	return n + m, nil
}

// ReadData reads a DataHeader and its payload, rejecting declared lengths
// beyond MaxAllocableBuffer before allocating.
func ReadData(r io.Reader) (DataHeader, []byte, int, error) {
	dh, n, err := ReadDataHeader(r)
	if n <= 0 || err != nil {
		return DataHeader{}, nil, n, err
	}
	payload, m, err := ReadPayload(r, dh.Len)
	if m < 0 || err != nil {
		return DataHeader{}, nil, m, err
	}
	return dh, payload, n + m, nil
}

// ReadDataHeader reads just the fixed-size DataHeader, leaving the payload
// (if any) unread — callers that need to inspect Len against a
// configured ceiling before deciding how to consume the payload use this
// together with ReadPayload.
func ReadDataHeader(r io.Reader) (DataHeader, int, error) {
	buf := make([]byte, dataHeaderWireSize)
	n, err := readFull(r, buf)
	if n <= 0 || err != nil {
		return DataHeader{}, n, err
	}
	return DataHeader{
		Receiver: decodeName(buf[0:NameSize]),
		Len:      binary.LittleEndian.Uint32(buf[NameSize : NameSize+4]),
	}, n, nil
}

// ReadPayload reads exactly n bytes, rejecting n beyond MaxAllocableBuffer
// before allocating.
func ReadPayload(r io.Reader, n uint32) ([]byte, int, error) {
	if n == 0 {
		return nil, 0, nil
	}
	if n > MaxAllocableBuffer {
		return nil, -1, ErrTooLarge
	}
	buf := make([]byte, n)
	m, err := readFull(r, buf)
	if m <= 0 || err != nil {
		return nil, m, err
	}
	return buf, m, nil
}

// ReadFrame reads a full Header+DataHeader+Payload frame.
func ReadFrame(r io.Reader) (Frame, int, error) {
	hdr, n, err := ReadHeader(r)
	if n <= 0 || err != nil {
		return Frame{}, n, err
	}
	dh, payload, m, err := ReadData(r)
	if m <= 0 || err != nil {
		return Frame{}, m, err
	}
	return Frame{Header: hdr, DataHeader: dh, Payload: payload}, n + m, nil
}

// WriteFrame writes a full Header+DataHeader+Payload frame.
func WriteFrame(w io.Writer, f Frame) (int, error) {
	n, err := WriteHeader(w, f.Header)
	if n <= 0 || err != nil {
		return n, err
	}
	m, err := WriteData(w, f.DataHeader, f.Payload)
	if m <= 0 || err != nil {
		return m, err
	}
	return n + m, nil
}

// CountSize is the wire width of a GETPREVMSGS count payload: a fixed
// 8-byte little-endian integer, chosen over the host's native size_t for
// portability across client/server architectures.
const CountSize = 8

// EncodeCount renders n as an 8-byte little-endian payload suitable for a
// GETPREVMSGS reply's leading frame.
func EncodeCount(n uint64) []byte {
	buf := make([]byte, CountSize)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// DecodeCount reads an 8-byte little-endian count payload.
func DecodeCount(payload []byte) (uint64, error) {
	if len(payload) != CountSize {
		return 0, errors.New("wire: count payload must be 8 bytes")
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeNameList packs names into fixed NameSize-byte slots, one per
// entry, for payloads like a REGISTER/CONNECT/USRLIST reply.
func EncodeNameList(names []string) []byte {
	buf := make([]byte, len(names)*NameSize)
	for i, n := range names {
		encodeName(buf[i*NameSize:(i+1)*NameSize], n)
	}
	return buf
}

// DecodeNameList unpacks a payload produced by EncodeNameList.
func DecodeNameList(payload []byte) []string {
	n := len(payload) / NameSize
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, decodeName(payload[i*NameSize:(i+1)*NameSize]))
	}
	return names
}

// ReadDataWithLimit behaves like ReadData but rejects declared lengths past
// limit (still capped at MaxAllocableBuffer). On rejection it drains exactly
// Len bytes from r before returning ErrTooLarge, so the stream stays frame-
// aligned for the next read — callers enforcing a per-op ceiling (e.g.
// POSTFILE's configured max file size) can treat ErrTooLarge as "too long,
// ready to read the next frame" rather than a desynced connection.
func ReadDataWithLimit(r io.Reader, limit uint32) (DataHeader, []byte, int, error) {
	if limit > MaxAllocableBuffer {
		limit = MaxAllocableBuffer
	}
	dh, n, err := ReadDataHeader(r)
	if n <= 0 || err != nil {
		return DataHeader{}, nil, n, err
	}
	if dh.Len > limit {
		if _, derr := io.CopyN(io.Discard, r, int64(dh.Len)); derr != nil {
			return DataHeader{}, nil, -1, derr
		}
		return DataHeader{}, nil, -1, ErrTooLarge
	}
	payload, m, err := ReadPayload(r, dh.Len)
	if m < 0 || err != nil {
		return DataHeader{}, nil, m, err
	}
	return dh, payload, n + m, nil
}

// readFull reads exactly len(buf) bytes, looping over short reads. It
// returns >0 (bytes read) on success, 0 if the peer closed before any of
// this call's bytes were delivered, or a negative count with a non-nil
// error on I/O failure — matching the original connections.c contract.
func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if n > 0 {
			total += n
			continue
		}
		if err == io.EOF {
			if total == 0 {
				return 0, nil
			}
			return -1, io.ErrUnexpectedEOF
		}
		if err != nil {
			return -1, err
		}
	}
	return total, nil
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if n > 0 {
			total += n
			continue
		}
		if err != nil {
			return -1, err
		}
		if n == 0 {
			return 0, nil
		}
	}
	return total, nil
}
