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

package dlp

import "fmt"

// Status is a DLP response error code (DLPSTAT_*, §4.5). Zero means
// no error.
type Status uint16

// DLP status codes, preserved exactly as defined by the protocol
// (dlp.h's DLPSTAT_* constants); these values are part of the wire
// format and must not be renumbered.
const (
	StatusOK             Status = 0x00
	StatusSystem         Status = 0x01
	StatusIllegalReq     Status = 0x02
	StatusNoMem          Status = 0x03
	StatusParam          Status = 0x04
	StatusNotFound       Status = 0x05
	StatusNoneOpen       Status = 0x06
	StatusDBOpen         Status = 0x07
	StatusTooManyOpen    Status = 0x08
	StatusExists         Status = 0x09
	StatusCantOpen       Status = 0x0a
	StatusRecDeleted     Status = 0x0b
	StatusRecBusy        Status = 0x0c
	StatusUnsupported    Status = 0x0d
	statusUnused1        Status = 0x0e
	StatusReadOnly       Status = 0x0f
	StatusSpace          Status = 0x10
	StatusLimit          Status = 0x11
	StatusCancel         Status = 0x12
	StatusBadWrap        Status = 0x13
	StatusNoArg          Status = 0x14
	StatusArgSize        Status = 0x15
)

var statusText = map[Status]string{
	StatusOK:          "no error",
	StatusSystem:      "general system error",
	StatusIllegalReq:  "unknown request",
	StatusNoMem:       "insufficient memory",
	StatusParam:       "invalid parameter",
	StatusNotFound:    "database, record or resource not found",
	StatusNoneOpen:    "no open databases",
	StatusDBOpen:      "database is open by someone else",
	StatusTooManyOpen: "too many open databases",
	StatusExists:      "database already exists",
	StatusCantOpen:    "can't open database",
	StatusRecDeleted:  "record is deleted",
	StatusRecBusy:     "record is busy",
	StatusUnsupported: "operation not supported on this database type",
	StatusReadOnly:    "no write access, or database is in ROM",
	StatusSpace:       "not enough space",
	StatusLimit:       "size limit exceeded",
	StatusCancel:      "sync was cancelled",
	StatusBadWrap:     "bad argument wrapper",
	StatusNoArg:       "required argument not found",
	StatusArgSize:     "invalid argument size",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("unknown dlp status 0x%02x", uint16(s))
}

// Err returns nil for StatusOK, and an error wrapping the status
// text otherwise, so callers can check "if err := resp.ErrorCode.Err(); err != nil".
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return fmt.Errorf("dlp: %s", s)
}
