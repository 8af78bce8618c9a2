/*
Copyright (c) ColdSync contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pconn owns the Connection type: the protocol-stack selector,
// the connection status machine, and an error taxonomy (Kind, Error)
// for classifying errors. The layers below (slp, padp, netsync, dlp)
// do not import this package and return their own sentinel errors.
package pconn

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the wire protocol distinguishes
// them: some are recovered locally, some are fatal to the Connection,
// some are returned to the caller unchanged.
type Kind int

const (
	KindNone Kind = iota
	KindSystem
	KindEOF
	KindBadFraming
	KindTimeout
	KindTimeoutTerminal
	KindOOM
	KindProtocol
	KindDLPStatus
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSystem:
		return "system error"
	case KindEOF:
		return "eof"
	case KindBadFraming:
		return "bad framing"
	case KindTimeout:
		return "timeout"
	case KindTimeoutTerminal:
		return "terminal timeout"
	case KindOOM:
		return "out of memory"
	case KindProtocol:
		return "protocol error"
	case KindDLPStatus:
		return "dlp status"
	default:
		return "unknown"
	}
}

// Error wraps a lower-layer cause with the Kind the Connection's
// status machine reacts to.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds an *Error of the given Kind around cause.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind of err, or KindSystem if err does not carry
// one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return KindNone
	}
	return KindSystem
}

// Sentinel protocol errors, matched with errors.Is by callers that
// need to distinguish specific conditions rather than just a Kind.
var (
	ErrTimeout       = errors.New("timed out waiting for data")
	ErrTimeoutWrite  = errors.New("timed out waiting to write")
	ErrAbort         = errors.New("peer sent abort")
	ErrUnexpectedPkt = errors.New("unexpected packet type")
)
