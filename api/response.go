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
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Caps describes the device streaming capabilities. Hosts must read it
// before using stream commands.
type Caps struct {
	NoOfBuffers           uint8
	BufferSize            uint32
	OperationTimeoutMS    uint16
	PartEraseTimeoutMS    uint16
	BPAKStreamSupport     uint8
	ChunkTransferMaxBytes uint32
	_                     [18]byte
}

// DeviceIdentifier carries the device uuid and board name.
type DeviceIdentifier struct {
	DeviceUUID uuid.UUID
	BoardID    [BoardIDLength]byte
	_          [23]byte
}

// Board returns the board name.
func (d *DeviceIdentifier) Board() string {
	return cstring(d.BoardID[:])
}

// TableReadResult precedes the partition table data phase.
type TableReadResult struct {
	NoOfEntries uint8
	_           [31]byte
}

// PartitionEntry is a single partition table record.
type PartitionEntry struct {
	UUID       uuid.UUID
	Desc       [DescriptionLength]byte
	FirstBlock uint64
	LastBlock  uint64
	BlockSize  uint16
	Flags      uint8
	_          [56]byte
}

// Description returns the partition description.
func (e *PartitionEntry) Description() string {
	return cstring(e.Desc[:])
}

// SetDescription stores s truncated to the field size.
func (e *PartitionEntry) SetDescription(s string) {
	e.Desc = [DescriptionLength]byte{}
	copy(e.Desc[:DescriptionLength-1], s)
}

// Blocks returns the number of blocks covered by the partition.
func (e *PartitionEntry) Blocks() uint64 {
	return e.LastBlock - e.FirstBlock + 1
}

// Size returns the partition size in bytes.
func (e *PartitionEntry) Size() uint64 {
	return e.Blocks() * uint64(e.BlockSize)
}

// FlagString renders flags the way the partition listing shows them.
func (e *PartitionEntry) FlagString() string {
	f := []byte("----")

	for i, c := range "BOWE" {
		if e.Flags&(1<<i) != 0 {
			f[i] = byte(c)
		}
	}

	return string(f)
}

// SLCResult precedes the key status data phase of SLC_READ.
type SLCResult struct {
	SLC SLC
	_   [31]byte
}

// KeyStatus lists active and revoked key ids, unused slots are zero.
type KeyStatus struct {
	Active  [MaxTrackedKeys]uint32
	Revoked [MaxTrackedKeys]uint32
}

// BoardResult carries the size of the board response data phase.
type BoardResult struct {
	Size uint32
	_    [28]byte
}

// BootStatusResult reports the active boot partition.
type BootStatusResult struct {
	UUID   uuid.UUID
	Status [16]byte
}

// Message returns the textual boot status.
func (b *BootStatusResult) Message() string {
	return cstring(b.Status[:])
}

// Print returns the device information in textual format.
func (d *DeviceIdentifier) Print(version string, slc SLC) string {
	var status bytes.Buffer

	status.WriteString("---------------------------------------------------------- Punchboot ----\n")
	status.WriteString(fmt.Sprintf("Device UUID ............: %s\n", d.DeviceUUID))
	status.WriteString(fmt.Sprintf("Board ..................: %s\n", d.Board()))
	status.WriteString(fmt.Sprintf("Bootloader version .....: %s\n", version))
	status.WriteString(fmt.Sprintf("Security life cycle ....: %s", slc))

	return status.String()
}

// FixedString NUL pads s into a field of n bytes, truncating to n-1 bytes.
func FixedString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b[:n-1], s)
	return b
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// CString returns the NUL terminated prefix of b.
func CString(b []byte) string {
	return cstring(b)
}
