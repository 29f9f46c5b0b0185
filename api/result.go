// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Result is a command outcome. Failures travel over the wire as the negated
// value in a signed byte.
type Result int8

const (
	ResultOK Result = iota
	ResultError
	ResultAuthenticationFailed
	ResultNotAuthenticated
	ResultNotSupported
	ResultInvalidArgument
	ResultInvalidCommand
	ResultPartVerifyFailed
	ResultPartNotBootable
	ResultNoMemory
	ResultTransferError
	ResultNotFound
	ResultStreamNotInitialized
	ResultTimeout
	ResultKeyRevoked
	ResultSignatureError
	ResultMemError
	ResultIOError
	resultEnd
)

var resultText = [resultEnd]string{
	ResultOK:                   "OK",
	ResultError:                "Error",
	ResultAuthenticationFailed: "Authentication failed",
	ResultNotAuthenticated:     "Not authenticated",
	ResultNotSupported:         "Not supported",
	ResultInvalidArgument:      "Invalid argument",
	ResultInvalidCommand:       "Invalid command",
	ResultPartVerifyFailed:     "Partition verify failed",
	ResultPartNotBootable:      "Partition not bootable",
	ResultNoMemory:             "Memory error",
	ResultTransferError:        "Transfer error",
	ResultNotFound:             "Not found",
	ResultStreamNotInitialized: "Stream not initialized",
	ResultTimeout:              "Timeout error",
	ResultKeyRevoked:           "Invalid key, key is revoked",
	ResultSignatureError:       "Signature error",
	ResultMemError:             "Memory error",
	ResultIOError:              "I/O Error",
}

func (r Result) String() string {
	if r < 0 || r >= resultEnd {
		return fmt.Sprintf("Unknown result (%d)", int8(r))
	}
	return resultText[r]
}

// Wire returns the on-wire encoding of r.
func (r Result) Wire() int8 {
	return -int8(r)
}

// Err returns nil for ResultOK and the matching sentinel error otherwise.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	if r < 0 || r >= resultEnd {
		return &Error{Result: r}
	}
	return resultErrors[r]
}

// ResultFromWire decodes an on-wire result byte.
func ResultFromWire(v int8) Result {
	return Result(-v)
}

// Error is the error form of a non-OK Result.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	return e.Result.String()
}

// Is matches any *Error carrying the same result code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Result == e.Result
}

// Sentinel errors, one per result code. Device packages wrap these so that
// ResultOf can recover the wire code.
var (
	ErrGeneric              = &Error{ResultError}
	ErrAuthenticationFailed = &Error{ResultAuthenticationFailed}
	ErrNotAuthenticated     = &Error{ResultNotAuthenticated}
	ErrNotSupported         = &Error{ResultNotSupported}
	ErrInvalidArgument      = &Error{ResultInvalidArgument}
	ErrInvalidCommand       = &Error{ResultInvalidCommand}
	ErrPartVerifyFailed     = &Error{ResultPartVerifyFailed}
	ErrPartNotBootable      = &Error{ResultPartNotBootable}
	ErrNoMemory             = &Error{ResultNoMemory}
	ErrTransfer             = &Error{ResultTransferError}
	ErrNotFound             = &Error{ResultNotFound}
	ErrStreamNotInitialized = &Error{ResultStreamNotInitialized}
	ErrTimeout              = &Error{ResultTimeout}
	ErrKeyRevoked           = &Error{ResultKeyRevoked}
	ErrSignature            = &Error{ResultSignatureError}
	ErrMem                  = &Error{ResultMemError}
	ErrIO                   = &Error{ResultIOError}
)

var resultErrors = [resultEnd]error{
	ResultOK:                   nil,
	ResultError:                ErrGeneric,
	ResultAuthenticationFailed: ErrAuthenticationFailed,
	ResultNotAuthenticated:     ErrNotAuthenticated,
	ResultNotSupported:         ErrNotSupported,
	ResultInvalidArgument:      ErrInvalidArgument,
	ResultInvalidCommand:       ErrInvalidCommand,
	ResultPartVerifyFailed:     ErrPartVerifyFailed,
	ResultPartNotBootable:      ErrPartNotBootable,
	ResultNoMemory:             ErrNoMemory,
	ResultTransferError:        ErrTransfer,
	ResultNotFound:             ErrNotFound,
	ResultStreamNotInitialized: ErrStreamNotInitialized,
	ResultTimeout:              ErrTimeout,
	ResultKeyRevoked:           ErrKeyRevoked,
	ResultSignatureError:       ErrSignature,
	ResultMemError:             ErrMem,
	ResultIOError:              ErrIO,
}

// ResultOf translates an error returned by a command handler into the
// result code reported to the host.
//
// Errors wrapping one of the sentinels above map to its code. Timeouts and
// short transfers coming straight from the standard library are classified
// as such, anything else is a generic error.
func ResultOf(err error) Result {
	var e *Error

	switch {
	case err == nil:
		return ResultOK
	case errors.As(err, &e):
		return e.Result
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF), errors.Is(err, io.ErrShortWrite):
		return ResultTransferError
	}

	return ResultError
}

// EncodeResult builds a result frame. The payload is either raw bytes or a
// packed response structure; payloads exceeding ResponseSize are rejected.
func EncodeResult(r Result, payload any) ([]byte, error) {
	var body []byte

	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		body = marshal(p)
	}

	if len(body) > ResponseSize {
		return nil, fmt.Errorf("%w: response payload %d bytes exceeds %d", ErrNoMemory, len(body), ResponseSize)
	}

	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame[0:], Magic)
	frame[4] = byte(r.Wire())
	copy(frame[8:], body)

	return frame, nil
}

// DecodeResult parses a result frame and returns the result code and the
// response area.
func DecodeResult(frame []byte) (r Result, response []byte, err error) {
	if len(frame) != FrameSize {
		return ResultError, nil, fmt.Errorf("%w: result frame is %d bytes", ErrTransfer, len(frame))
	}

	if m := binary.LittleEndian.Uint32(frame); m != Magic {
		return ResultError, nil, fmt.Errorf("%w: bad result magic %#08x", ErrTransfer, m)
	}

	return ResultFromWire(int8(frame[4])), frame[8:], nil
}

// UnmarshalResponse parses a packed response structure out of a response
// area or bulk data buffer.
func UnmarshalResponse(b []byte, v any) error {
	return unmarshal(b, v)
}
