// Package uds carries the command protocol between the CLI and the daemon
// over a unix domain socket. Frames are a 4-byte big-endian length followed
// by a JSON body; every request names a command and every response reports
// success plus either data or a coded error.
package uds

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	json "github.com/goccy/go-json"
)

// ProtocolVersion is checked on every request. The daemon rejects frames
// from a CLI built against a different version instead of guessing.
const ProtocolVersion = 1

// DefaultSocketName is the conventional socket filename inside .sibyl/.
const DefaultSocketName = "daemon.sock"

// MaxFrameBytes bounds a single frame in either direction. Collected
// events are capped far below this; the limit exists so a corrupt length
// header cannot make the reader allocate gigabytes.
const MaxFrameBytes = 10 << 20

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes a response may carry. Validation and not-found are produced
// by command handlers; the rest by the server itself.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
)

// NewRequest builds a request for command, marshaling params when present.
func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// SuccessResponse wraps data in a success envelope. A value that cannot be
// marshaled degrades to an internal error response rather than a half-built
// frame.
func SuccessResponse(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, fmt.Sprintf("encode response: %v", err))
	}
	return &Response{Success: true, Data: raw}
}

// ErrorResponse builds a failure envelope with the given code and message.
func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error:   &ErrorDetail{Code: code, Message: message},
	}
}

// WriteFrame marshals v and writes it as one length-prefixed frame. The
// header and body go out in a single Write so a concurrent writer on the
// same connection cannot interleave between them.
func WriteFrame(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and unmarshals it into v. A connection closed
// cleanly between frames yields io.EOF untouched so callers can tell a
// hangup from a protocol error.
func ReadFrame(conn net.Conn, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
