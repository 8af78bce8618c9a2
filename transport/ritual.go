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

package transport

// The ritual statements below are copied verbatim from the reference
// implementation's not-commented-out blobs (the corresponding "ritual
// response" blobs are commented out there and are therefore not
// available to copy; this backend reads and discards the client's
// three ritual responses without interpreting them, per §4.4/§9: the
// ritual's content is not required for correctness, only its shape).
var (
	ritualStmt2 = []byte{
		0x12, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x24,
		0xff, 0xff, 0xff, 0xff,
		0x3c, 0x00,
		0x3c, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xc0, 0xa8, 0xa5, 0x1f,
		0x04, 0x27, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	ritualStmt3 = []byte{
		0x13, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x20,
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x3c,
		0x00, 0x3c,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
)

// ritualFrameTag/ritualHeaderLen duplicate netsync's wire constants
// rather than importing package netsync, since the ritual runs before
// a netsync.Conn can exist (it is what brings the TCP transport up in
// the first place) and netsync already imports transport for the
// Transport interface.
const (
	ritualFrameTag  = 0x01
	ritualHeaderLen = 6
)

func writeRitualFrame(t Transport, xid byte, payload []byte) error {
	buf := make([]byte, ritualHeaderLen+len(payload))
	buf[0] = ritualFrameTag
	buf[1] = xid
	buf[2] = byte(len(payload) >> 24)
	buf[3] = byte(len(payload) >> 16)
	buf[4] = byte(len(payload) >> 8)
	buf[5] = byte(len(payload))
	copy(buf[6:], payload)
	return t.Write(buf)
}

// readRitualFrame reads and discards one ritual response frame,
// returning its payload length for logging purposes only.
func readRitualFrame(t Transport) (int, error) {
	header := make([]byte, ritualHeaderLen)
	if err := readFullRitual(t, header); err != nil {
		return 0, err
	}
	length := int(header[2])<<24 | int(header[3])<<16 | int(header[4])<<8 | int(header[5])
	payload := make([]byte, length)
	if err := readFullRitual(t, payload); err != nil {
		return 0, err
	}
	return length, nil
}

func readFullRitual(t Transport, buf []byte) error {
	for read := 0; read < len(buf); {
		n, err := t.Read(buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		read += n
	}
	return nil
}

// runServerRitual performs the three-exchange ritual handshake from
// the server's point of view: read response 1, send statement 2, read
// response 2, send statement 3, read response 3. The ritual's own xid
// sequencing is independent of the NetSync framing xid that DLP will
// use afterward; it starts fresh at 1 here, matching the reference
// implementation's ritual_stmt2/ritual_stmt3 byte content (those blobs
// already carry their own internal "xid-like" command/argc fields).
func runServerRitual(t Transport) error {
	if _, err := readRitualFrame(t); err != nil {
		return err
	}
	if err := writeRitualFrame(t, 1, ritualStmt2); err != nil {
		return err
	}
	if _, err := readRitualFrame(t); err != nil {
		return err
	}
	if err := writeRitualFrame(t, 2, ritualStmt3); err != nil {
		return err
	}
	if _, err := readRitualFrame(t); err != nil {
		return err
	}
	return nil
}
