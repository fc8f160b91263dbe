// Package workerpool implements the worker-connection pool and its RPC
// framing: persistent mutually-authenticated TLS sessions to worker
// processes, length-prefixed JSON messages, fair worker selection, and
// password delivery over the FETCH_SECRET side-channel.
package workerpool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MsgType enumerates the wire protocol's message kinds.
type MsgType string

const (
	MsgHello       MsgType = "HELLO"
	MsgDispatch    MsgType = "DISPATCH"
	MsgAck         MsgType = "ACK"
	MsgUpdate      MsgType = "UPDATE"
	MsgResult      MsgType = "RESULT"
	MsgCancel      MsgType = "CANCEL"
	MsgPing        MsgType = "PING"
	MsgPong        MsgType = "PONG"
	MsgFetchSecret MsgType = "FETCH_SECRET"
	MsgSecret      MsgType = "SECRET"
)

// maxFrameSize bounds a single length-prefixed frame to guard against a
// misbehaving peer advertising an unbounded length.
const maxFrameSize = 16 << 20

// Message is the single JSON envelope every wire protocol frame carries.
// Fields are tagged omitempty so each message kind only serializes the
// fields it actually uses.
type Message struct {
	Type MsgType `json:"type"`

	ReqID uint64 `json:"req_id,omitempty"`

	// HELLO
	WorkerID string `json:"id,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	Version  string `json:"version,omitempty"`

	// DISPATCH
	JobID       string `json:"jobid,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Command     string `json:"command,omitempty"`
	RunAs       string `json:"run_as,omitempty"`
	TimeoutSecs int    `json:"timeout,omitempty"`
	PasswordRef string `json:"password_ref,omitempty"`

	// UPDATE
	OutputURL string `json:"output_url,omitempty"`
	Progress  string `json:"progress,omitempty"`

	// RESULT
	ExitCode     int     `json:"exit_code,omitempty"`
	Message      string  `json:"message,omitempty"`
	DurationSecs float64 `json:"duration,omitempty"`
	Cancelled    bool    `json:"cancelled,omitempty"`

	// SECRET (dispatcher -> worker, response to FETCH_SECRET)
	Secret []byte `json:"secret,omitempty"`
	Found  bool   `json:"found,omitempty"`
}

// WriteMessage frames msg as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return Message{}, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("reading frame body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// FrameReader wraps a bufio.Reader so repeated ReadMessage calls don't each
// pay a syscall for the 4-byte header.
func FrameReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}
