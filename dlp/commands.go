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

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// DLP 1.0 function IDs (dlpc_op_t in dlp_cmd.h). Only a representative
// subset is implemented; the rest of the opcode space is reserved for
// conduit/sync logic, out of scope here.
const (
	cmdReadUserInfo    = 0x10
	cmdWriteUserInfo   = 0x11
	cmdReadSysInfo     = 0x12
	cmdGetSysDateTime  = 0x13
	cmdSetSysDateTime  = 0x14
	cmdReadStorageInfo = 0x15
	cmdReadDBList      = 0x16
	cmdOpenDB          = 0x17
	cmdCreateDB        = 0x18
	cmdCloseDB         = 0x19
	cmdDeleteDB        = 0x1a
)

// OpenDB access modes (DLPCMD_MODE_*).
const (
	ModeRead      = 0x80
	ModeWrite     = 0x40
	ModeExclusive = 0x20
	ModeSecret    = 0x10
)

// ReadDBList search flags (DLPCMD_READDBLFLAG_*).
const (
	ReadDBListRAM = 0x80
	ReadDBListROM = 0x40
)

// closeAllDBs is the CloseDB handle value meaning "close every
// database open in this session" (DLPCMD_CLOSEALLDBS).
const closeAllDBs = 0xff

// UserInfo is the data returned by ReadUserInfo (struct dlp_userinfo).
type UserInfo struct {
	UserID       uint32
	ViewerID     uint32
	LastSyncPC   uint32
	LastGoodSync time.Time
	LastSync     time.Time
	Username     string
}

// ReadUserInfo fetches the handheld's user identity record (§4.9).
func (c *Conn) ReadUserInfo() (UserInfo, error) {
	resp, err := c.Exec(cmdReadUserInfo)
	if err != nil {
		return UserInfo{}, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return UserInfo{}, err
	}
	if len(resp.Args) == 0 {
		return UserInfo{}, fmt.Errorf("%w: ReadUserInfo: no arguments", ErrShortResponse)
	}
	data := resp.Args[0].Data
	if len(data) < 30 {
		return UserInfo{}, fmt.Errorf("%w: ReadUserInfo: short info block", ErrShortResponse)
	}

	info := UserInfo{
		UserID:       binary.BigEndian.Uint32(data[0:4]),
		ViewerID:     binary.BigEndian.Uint32(data[4:8]),
		LastSyncPC:   binary.BigEndian.Uint32(data[8:12]),
		LastGoodSync: decodeTime(data[12:20]),
		LastSync:     decodeTime(data[20:28]),
	}
	usernameLen := int(data[28])
	nameStart := 30
	if usernameLen > 0 && len(data) >= nameStart+usernameLen {
		info.Username = strings.TrimRight(string(data[nameStart:nameStart+usernameLen]), "\x00")
	}
	return info, nil
}

// Modified-field flags for WriteUserInfo (DLPCMD_MODUIFLAG_*).
const (
	ModUserID   = 0x80
	ModSyncPC   = 0x40
	ModSyncDate = 0x20
	ModUsername = 0x10
	ModViewerID = 0x08
)

// WriteUserInfo updates (parts of) the user identity record. modFlags
// selects which fields the handheld should actually apply, per
// dlp_setuserinfo's modflags byte.
func (c *Conn) WriteUserInfo(info UserInfo, modFlags byte) error {
	buf := make([]byte, 22)
	binary.BigEndian.PutUint32(buf[0:4], info.UserID)
	binary.BigEndian.PutUint32(buf[4:8], info.ViewerID)
	binary.BigEndian.PutUint32(buf[8:12], info.LastSyncPC)
	copy(buf[12:20], encodeTime(info.LastSync))
	buf[20] = modFlags
	buf[21] = byte(len(info.Username) + 1)

	arg := append(buf, append([]byte(info.Username), 0)...)

	resp, err := c.Exec(cmdWriteUserInfo, Arg{ID: 0x20, Data: arg})
	if err != nil {
		return err
	}
	return resp.ErrorCode.Err()
}

// SysInfo is the data returned by ReadSysInfo (struct dlp_sysinfo).
type SysInfo struct {
	ROMVersion   uint32
	Localization uint32
	ProductID    uint32
	DLPVerMajor  uint16
	DLPVerMinor  uint16
}

// ReadSysInfo fetches the handheld's ROM/product identity (§4.9).
func (c *Conn) ReadSysInfo() (SysInfo, error) {
	// The Req argument announces this host's own DLP version so the
	// handheld knows which reply shape to use; 1.2 is the version
	// this package speaks.
	req := make([]byte, 4)
	binary.BigEndian.PutUint16(req[0:2], 1)
	binary.BigEndian.PutUint16(req[2:4], 2)

	resp, err := c.Exec(cmdReadSysInfo, Arg{ID: 0x20, Data: req})
	if err != nil {
		return SysInfo{}, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return SysInfo{}, err
	}
	if len(resp.Args) == 0 || len(resp.Args[0].Data) < 14 {
		return SysInfo{}, fmt.Errorf("%w: ReadSysInfo: short info block", ErrShortResponse)
	}
	data := resp.Args[0].Data

	info := SysInfo{
		ROMVersion:   binary.BigEndian.Uint32(data[0:4]),
		Localization: binary.BigEndian.Uint32(data[4:8]),
		ProductID:    binary.BigEndian.Uint32(data[10:14]),
	}
	if len(resp.Args) > 1 && len(resp.Args[1].Data) >= 4 {
		v := resp.Args[1].Data
		info.DLPVerMajor = binary.BigEndian.Uint16(v[0:2])
		info.DLPVerMinor = binary.BigEndian.Uint16(v[2:4])
	}
	return info, nil
}

// GetSysDateTime returns the handheld's current clock (§4.9).
func (c *Conn) GetSysDateTime() (time.Time, error) {
	resp, err := c.Exec(cmdGetSysDateTime)
	if err != nil {
		return time.Time{}, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return time.Time{}, err
	}
	if len(resp.Args) == 0 || len(resp.Args[0].Data) < 8 {
		return time.Time{}, fmt.Errorf("%w: GetSysDateTime: short reply", ErrShortResponse)
	}
	return decodeTime(resp.Args[0].Data), nil
}

// SetSysDateTime sets the handheld's clock (§4.9).
func (c *Conn) SetSysDateTime(t time.Time) error {
	resp, err := c.Exec(cmdSetSysDateTime, Arg{ID: 0x20, Data: encodeTime(t)})
	if err != nil {
		return err
	}
	return resp.ErrorCode.Err()
}

// StorageInfo is the data returned by ReadStorageInfo for one memory
// card (struct dlp_cardinfo, trimmed to the fields conduits actually
// use).
type StorageInfo struct {
	CardNo        byte
	ROMSize       uint32
	RAMSize       uint32
	FreeRAM       uint32
	CardName      string
	ManufName     string
}

// ReadStorageInfo fetches memory information for the card at index
// cardNo (§4.9).
func (c *Conn) ReadStorageInfo(cardNo byte) (StorageInfo, error) {
	req := []byte{cardNo, 0}
	resp, err := c.Exec(cmdReadStorageInfo, Arg{ID: 0x20, Data: req})
	if err != nil {
		return StorageInfo{}, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return StorageInfo{}, err
	}
	if len(resp.Args) == 0 || len(resp.Args[0].Data) < 26 {
		return StorageInfo{}, fmt.Errorf("%w: ReadStorageInfo: short info block", ErrShortResponse)
	}
	data := resp.Args[0].Data

	info := StorageInfo{
		CardNo:  data[1],
		ROMSize: binary.BigEndian.Uint32(data[12:16]),
		RAMSize: binary.BigEndian.Uint32(data[16:20]),
		FreeRAM: binary.BigEndian.Uint32(data[20:24]),
	}
	cardNameSize := int(data[24])
	manufNameSize := int(data[25])
	off := 26
	if off+cardNameSize <= len(data) {
		info.CardName = strings.TrimRight(string(data[off:off+cardNameSize]), "\x00")
		off += cardNameSize
	}
	if off+manufNameSize <= len(data) {
		info.ManufName = strings.TrimRight(string(data[off:off+manufNameSize]), "\x00")
	}
	return info, nil
}

// DBInfo describes one database, as returned by ReadDBList (struct
// dlp_dbinfo, trimmed).
type DBInfo struct {
	Index   uint16
	Flags   uint16
	Type    uint32
	Creator uint32
	Version uint16
	Name    string
}

// ReadDBList lists the databases on the handheld matching flags
// (ReadDBListRAM/ReadDBListROM), starting at startIndex; callers loop,
// bumping startIndex by the number of entries returned, until the
// handheld reports StatusNotFound (§4.9).
func (c *Conn) ReadDBList(flags byte, startIndex uint16) ([]DBInfo, error) {
	req := make([]byte, 4)
	req[0] = flags
	binary.BigEndian.PutUint16(req[2:4], startIndex)

	resp, err := c.Exec(cmdReadDBList, Arg{ID: 0x20, Data: req})
	if err != nil {
		return nil, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return nil, err
	}
	if len(resp.Args) == 0 {
		return nil, nil
	}

	var out []DBInfo
	data := resp.Args[0].Data
	for len(data) > 0 {
		if len(data) < 44 {
			return nil, fmt.Errorf("%w: ReadDBList: short entry", ErrShortResponse)
		}
		size := int(data[0])
		if size == 0 || size > len(data) {
			return nil, fmt.Errorf("%w: ReadDBList: bad entry size", ErrShortResponse)
		}
		entry := DBInfo{
			Flags:   binary.BigEndian.Uint16(data[2:4]),
			Type:    binary.BigEndian.Uint32(data[4:8]),
			Creator: binary.BigEndian.Uint32(data[8:12]),
			Version: binary.BigEndian.Uint16(data[12:14]),
			Index:   binary.BigEndian.Uint16(data[42:44]),
		}
		if size > 44 {
			entry.Name = strings.TrimRight(string(data[44:size]), "\x00")
		}
		out = append(out, entry)
		data = data[size:]
	}
	return out, nil
}

// OpenDB opens the named database in the given mode (ModeRead et al)
// and returns a handle to pass to CloseDB (§4.9).
func (c *Conn) OpenDB(name string, mode byte) (byte, error) {
	req := append([]byte{0, mode}, []byte(name)...)
	req = append(req, 0)

	resp, err := c.Exec(cmdOpenDB, Arg{ID: 0x20, Data: req})
	if err != nil {
		return 0, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return 0, err
	}
	if len(resp.Args) == 0 || len(resp.Args[0].Data) < 1 {
		return 0, fmt.Errorf("%w: OpenDB: no handle returned", ErrShortResponse)
	}
	return resp.Args[0].Data[0], nil
}

// CreateDBSpec describes a new database to create (struct
// dlp_createdbreq).
type CreateDBSpec struct {
	Creator uint32
	Type    uint32
	Card    byte
	Flags   uint16
	Version uint16
	Name    string
}

// CreateDB creates a new database and returns its handle (§4.9).
func (c *Conn) CreateDB(spec CreateDBSpec) (byte, error) {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], spec.Creator)
	binary.BigEndian.PutUint32(buf[4:8], spec.Type)
	buf[8] = spec.Card
	binary.BigEndian.PutUint16(buf[10:12], spec.Flags)
	binary.BigEndian.PutUint16(buf[12:14], spec.Version)
	buf = append(buf, append([]byte(spec.Name), 0)...)

	resp, err := c.Exec(cmdCreateDB, Arg{ID: 0x20, Data: buf})
	if err != nil {
		return 0, err
	}
	if err := resp.ErrorCode.Err(); err != nil {
		return 0, err
	}
	if len(resp.Args) == 0 || len(resp.Args[0].Data) < 1 {
		return 0, fmt.Errorf("%w: CreateDB: no handle returned", ErrShortResponse)
	}
	return resp.Args[0].Data[0], nil
}

// CloseDB closes the database identified by handle.
func (c *Conn) CloseDB(handle byte) error {
	resp, err := c.Exec(cmdCloseDB, Arg{ID: 0x20, Data: []byte{handle}})
	if err != nil {
		return err
	}
	return resp.ErrorCode.Err()
}

// CloseAllDBs closes every database open in this session.
func (c *Conn) CloseAllDBs() error {
	return c.CloseDB(closeAllDBs)
}

// DeleteDB deletes the named database from the given card (§4.9).
func (c *Conn) DeleteDB(card byte, name string) error {
	req := append([]byte{card, 0}, []byte(name)...)
	req = append(req, 0)

	resp, err := c.Exec(cmdDeleteDB, Arg{ID: 0x20, Data: req})
	if err != nil {
		return err
	}
	return resp.ErrorCode.Err()
}
