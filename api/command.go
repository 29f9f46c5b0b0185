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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Opcode identifies a command.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpDeviceReset
	OpDeviceIdentifierRead
	OpDeviceReadCaps
	OpSLCSetConfiguration
	OpSLCSetConfigurationLock
	OpSLCSetEOL
	OpSLCRevokeKey
	OpSLCRead
	OpBootloaderVersionRead
	OpPartTableRead
	OpPartTableInstall
	OpPartVerify
	OpPartActivate
	OpPartBPAKRead
	OpPartErase
	OpAuthenticate
	OpAuthSetOTPPassword
	OpStreamInitialize
	OpStreamPrepareBuffer
	OpStreamWriteBuffer
	OpStreamFinalize
	OpBootPart
	OpBootRAM
	OpBoardCommand
	OpBoardStatusRead
	OpStreamReadBuffer
	OpPartResize
	OpBootStatus
	opEnd
)

var opcodeNames = [opEnd]string{
	OpInvalid:                 "INVALID",
	OpDeviceReset:             "DEVICE_RESET",
	OpDeviceIdentifierRead:    "DEVICE_IDENTIFIER_READ",
	OpDeviceReadCaps:          "DEVICE_READ_CAPS",
	OpSLCSetConfiguration:     "SLC_SET_CONFIGURATION",
	OpSLCSetConfigurationLock: "SLC_SET_CONFIGURATION_LOCK",
	OpSLCSetEOL:               "SLC_SET_EOL",
	OpSLCRevokeKey:            "SLC_REVOKE_KEY",
	OpSLCRead:                 "SLC_READ",
	OpBootloaderVersionRead:   "BOOTLOADER_VERSION_READ",
	OpPartTableRead:           "PART_TBL_READ",
	OpPartTableInstall:        "PART_TBL_INSTALL",
	OpPartVerify:              "PART_VERIFY",
	OpPartActivate:            "PART_ACTIVATE",
	OpPartBPAKRead:            "PART_BPAK_READ",
	OpPartErase:               "PART_ERASE",
	OpAuthenticate:            "AUTHENTICATE",
	OpAuthSetOTPPassword:      "AUTH_SET_OTP_PASSWORD",
	OpStreamInitialize:        "STREAM_INITIALIZE",
	OpStreamPrepareBuffer:     "STREAM_PREPARE_BUFFER",
	OpStreamWriteBuffer:       "STREAM_WRITE_BUFFER",
	OpStreamFinalize:          "STREAM_FINALIZE",
	OpBootPart:                "BOOT_PART",
	OpBootRAM:                 "BOOT_RAM",
	OpBoardCommand:            "BOARD_COMMAND",
	OpBoardStatusRead:         "BOARD_STATUS_READ",
	OpStreamReadBuffer:        "STREAM_READ_BUFFER",
	OpPartResize:              "PART_RESIZE",
	OpBootStatus:              "BOOT_STATUS",
}

func (o Opcode) String() string {
	if o >= opEnd {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
	return opcodeNames[o]
}

// Valid reports whether o names a command.
func (o Opcode) Valid() bool {
	return o > OpInvalid && o < opEnd
}

// ungated lists the commands which are served without authentication on a
// locked device.
var ungated = map[Opcode]bool{
	OpDeviceIdentifierRead:  true,
	OpDeviceReadCaps:        true,
	OpBootloaderVersionRead: true,
	OpPartTableRead:         true,
	OpAuthenticate:          true,
	OpSLCRead:               true,
}

// RequiresAuth reports whether o is refused on a locked device until the
// host has authenticated.
func (o Opcode) RequiresAuth() bool {
	return !ungated[o]
}

// Command is a decoded command frame. Each implementation is the packed
// layout of its request area.
type Command interface {
	Opcode() Opcode
}

// DeviceReset requests a platform reset after the result is sent.
type DeviceReset struct{}

// DeviceIdentifierRead returns the device uuid and board name.
type DeviceIdentifierRead struct{}

// DeviceReadCaps returns the streaming capabilities.
type DeviceReadCaps struct{}

// SLCSetConfiguration moves the life cycle to CONFIGURATION.
type SLCSetConfiguration struct{}

// SLCSetConfigurationLock moves the life cycle to CONFIGURATION_LOCKED.
type SLCSetConfigurationLock struct{}

// SLCSetEOL moves the life cycle to end of life.
type SLCSetEOL struct{}

// SLCRevokeKey permanently revokes a keystore key.
type SLCRevokeKey struct {
	KeyID uint32
	_     [28]byte
}

// SLCRead returns the life cycle followed by a KeyStatus data phase.
type SLCRead struct{}

// BootloaderVersionRead returns the version string.
type BootloaderVersionRead struct{}

// PartTableRead returns the entry count followed by the entries.
type PartTableRead struct {
	// MaxEntries bounds the reply, zero selects MaxTableEntries.
	MaxEntries uint8
	_          [31]byte
}

// PartTableInstall installs a table variant on the storage driver
// identified by Driver.
type PartTableInstall struct {
	Driver  uuid.UUID
	Variant uint8
	_       [15]byte
}

// PartVerify compares the SHA-256 of the first Size bytes of a partition.
type PartVerify struct {
	Partition uuid.UUID
	SHA256    [32]byte
	Size      uint32
	BPAK      bool
	_         [2]byte
}

// PartActivate selects the partition to boot next.
type PartActivate struct {
	Partition uuid.UUID
	_         [16]byte
}

// PartBPAKRead returns the image header stored at the end of a partition.
type PartBPAKRead struct {
	Partition uuid.UUID
	_         [16]byte
}

// PartErase erases a block range of a partition.
type PartErase struct {
	Partition  uuid.UUID
	StartLBA   uint32
	BlockCount uint32
	_          [8]byte
}

// PartResize changes the size of a partition on drivers supporting it.
type PartResize struct {
	Partition uuid.UUID
	Blocks    uint32
	_         [12]byte
}

// Authenticate is followed by a Size byte credential.
type Authenticate struct {
	Method AuthMethod
	Size   uint16
	KeyID  uint32
	_      [25]byte
}

// AuthSetOTPPassword is followed by a Size byte password.
type AuthSetOTPPassword struct {
	Size uint16
	_    [30]byte
}

// StreamInitialize binds the stream session to a partition.
type StreamInitialize struct {
	Partition uuid.UUID
	_         [16]byte
}

// StreamPrepareBuffer is followed by Size bytes to stage in buffer ID.
type StreamPrepareBuffer struct {
	Size uint32
	ID   uint8
	_    [27]byte
}

// StreamWriteBuffer commits Size bytes of a staged buffer at Offset.
type StreamWriteBuffer struct {
	Size     uint32
	Offset   uint64
	BufferID uint8
	_        [19]byte
}

// StreamReadBuffer returns Size bytes read from Offset.
type StreamReadBuffer struct {
	Size     uint32
	Offset   uint64
	BufferID uint8
	_        [19]byte
}

// StreamFinalize releases the stream session.
type StreamFinalize struct{}

// BootPart loads and boots the image stored in a partition.
type BootPart struct {
	Partition uuid.UUID
	Verbose   bool
	_         [15]byte
}

// BootRAM loads and boots an image streamed over the transport.
type BootRAM struct {
	Verbose   bool
	Partition uuid.UUID
	_         [15]byte
}

// BootStatus returns the active boot partition.
type BootStatus struct{}

// BoardCommand forwards an opaque request to the board.
type BoardCommand struct {
	Command            uint32
	RequestSize        uint32
	ResponseBufferSize uint32
	_                  [20]byte
}

// BoardStatusRead returns the opaque board status blob.
type BoardStatusRead struct{}

func (DeviceReset) Opcode() Opcode             { return OpDeviceReset }
func (DeviceIdentifierRead) Opcode() Opcode    { return OpDeviceIdentifierRead }
func (DeviceReadCaps) Opcode() Opcode          { return OpDeviceReadCaps }
func (SLCSetConfiguration) Opcode() Opcode     { return OpSLCSetConfiguration }
func (SLCSetConfigurationLock) Opcode() Opcode { return OpSLCSetConfigurationLock }
func (SLCSetEOL) Opcode() Opcode               { return OpSLCSetEOL }
func (SLCRevokeKey) Opcode() Opcode            { return OpSLCRevokeKey }
func (SLCRead) Opcode() Opcode                 { return OpSLCRead }
func (BootloaderVersionRead) Opcode() Opcode   { return OpBootloaderVersionRead }
func (PartTableRead) Opcode() Opcode           { return OpPartTableRead }
func (PartTableInstall) Opcode() Opcode        { return OpPartTableInstall }
func (PartVerify) Opcode() Opcode              { return OpPartVerify }
func (PartActivate) Opcode() Opcode            { return OpPartActivate }
func (PartBPAKRead) Opcode() Opcode            { return OpPartBPAKRead }
func (PartErase) Opcode() Opcode               { return OpPartErase }
func (PartResize) Opcode() Opcode              { return OpPartResize }
func (Authenticate) Opcode() Opcode            { return OpAuthenticate }
func (AuthSetOTPPassword) Opcode() Opcode      { return OpAuthSetOTPPassword }
func (StreamInitialize) Opcode() Opcode        { return OpStreamInitialize }
func (StreamPrepareBuffer) Opcode() Opcode     { return OpStreamPrepareBuffer }
func (StreamWriteBuffer) Opcode() Opcode       { return OpStreamWriteBuffer }
func (StreamReadBuffer) Opcode() Opcode        { return OpStreamReadBuffer }
func (StreamFinalize) Opcode() Opcode          { return OpStreamFinalize }
func (BootPart) Opcode() Opcode                { return OpBootPart }
func (BootRAM) Opcode() Opcode                 { return OpBootRAM }
func (BootStatus) Opcode() Opcode              { return OpBootStatus }
func (BoardCommand) Opcode() Opcode            { return OpBoardCommand }
func (BoardStatusRead) Opcode() Opcode         { return OpBoardStatusRead }

// newCommand returns an empty request for op.
func newCommand(op Opcode) Command {
	switch op {
	case OpDeviceReset:
		return &DeviceReset{}
	case OpDeviceIdentifierRead:
		return &DeviceIdentifierRead{}
	case OpDeviceReadCaps:
		return &DeviceReadCaps{}
	case OpSLCSetConfiguration:
		return &SLCSetConfiguration{}
	case OpSLCSetConfigurationLock:
		return &SLCSetConfigurationLock{}
	case OpSLCSetEOL:
		return &SLCSetEOL{}
	case OpSLCRevokeKey:
		return &SLCRevokeKey{}
	case OpSLCRead:
		return &SLCRead{}
	case OpBootloaderVersionRead:
		return &BootloaderVersionRead{}
	case OpPartTableRead:
		return &PartTableRead{}
	case OpPartTableInstall:
		return &PartTableInstall{}
	case OpPartVerify:
		return &PartVerify{}
	case OpPartActivate:
		return &PartActivate{}
	case OpPartBPAKRead:
		return &PartBPAKRead{}
	case OpPartErase:
		return &PartErase{}
	case OpPartResize:
		return &PartResize{}
	case OpAuthenticate:
		return &Authenticate{}
	case OpAuthSetOTPPassword:
		return &AuthSetOTPPassword{}
	case OpStreamInitialize:
		return &StreamInitialize{}
	case OpStreamPrepareBuffer:
		return &StreamPrepareBuffer{}
	case OpStreamWriteBuffer:
		return &StreamWriteBuffer{}
	case OpStreamReadBuffer:
		return &StreamReadBuffer{}
	case OpStreamFinalize:
		return &StreamFinalize{}
	case OpBootPart:
		return &BootPart{}
	case OpBootRAM:
		return &BootRAM{}
	case OpBootStatus:
		return &BootStatus{}
	case OpBoardCommand:
		return &BoardCommand{}
	case OpBoardStatusRead:
		return &BoardStatusRead{}
	}
	return nil
}

// EncodeCommand builds a command frame.
func EncodeCommand(cmd Command) []byte {
	frame := make([]byte, FrameSize)

	binary.LittleEndian.PutUint32(frame[0:], Magic)
	frame[4] = byte(cmd.Opcode())
	copy(frame[8:], marshal(cmd))

	return frame
}

// DecodeCommand parses a command frame. The returned Command is a pointer to
// one of the request types of this package; frames with a bad magic or an
// unknown opcode yield ErrInvalidCommand together with the raw opcode.
func DecodeCommand(frame []byte) (Command, Opcode, error) {
	if len(frame) != FrameSize {
		return nil, OpInvalid, fmt.Errorf("%w: frame is %d bytes", ErrInvalidCommand, len(frame))
	}

	op := Opcode(frame[4])

	if m := binary.LittleEndian.Uint32(frame); m != Magic {
		return nil, op, fmt.Errorf("%w: bad magic %#08x", ErrInvalidCommand, m)
	}

	cmd := newCommand(op)

	if !op.Valid() || cmd == nil {
		return nil, op, fmt.Errorf("%w: %v", ErrInvalidCommand, op)
	}

	if err := unmarshal(frame[8:], cmd); err != nil {
		return nil, op, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	return cmd, op, nil
}
