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

// Package api defines the punchboot wire protocol shared by the device
// command loop and host tooling.
//
// Every exchange is built from fixed-size 512 byte frames: the host writes a
// command frame, the device answers with a result frame. Some commands carry
// an additional bulk data phase, see the documentation of each command type.
package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// http://pid.codes/1209/2019/
	VendorID  = 0x1209
	ProductID = 0x2019

	HIDUsagePage = 0xff00

	// Maximum Message size according to U2F HID standard (see formula in
	// [FIDO U2F // HID Protocol Specification, 2.4]).
	MaxMessageSize = 7609

	// U2FHID vendor command carrying raw protocol bytes in both directions,
	// an empty request polls for pending device output.
	U2FHIDVendorFrame = 0x40
)

const (
	// Magic is the "PBL0" marker leading every frame.
	Magic = 0x50424c30

	// FrameSize is the size of both command and result frames.
	FrameSize = 512
	// RequestSize is the opcode specific area of a command frame.
	RequestSize = FrameSize - 8
	// ResponseSize is the payload area of a result frame.
	ResponseSize = FrameSize - 8

	// MaxVersionLength bounds the bootloader version string.
	MaxVersionLength = 30
	// MaxTableEntries is the protocol limit for partition table reads.
	MaxTableEntries = 128
	// TableEntrySize is the size of a single partition table entry.
	TableEntrySize = 128
	// DescriptionLength is the size of the partition description field,
	// including the terminating NUL.
	DescriptionLength = 37
	// BoardIDLength is the size of the board identifier field.
	BoardIDLength = 16
	// MaxTrackedKeys is the number of key slots in an SLC key status report.
	MaxTrackedKeys = 16
)

// Partition flags as reported over the wire.
const (
	PartFlagBootable         = 1 << 0
	PartFlagOTP              = 1 << 1
	PartFlagWritable         = 1 << 2
	PartFlagEraseBeforeWrite = 1 << 3
)

// SLC represents the device security life cycle.
type SLC uint8

const (
	SLCInvalid SLC = iota
	SLCNotConfigured
	SLCConfiguration
	SLCConfigurationLocked
	SLCEOL
)

func (s SLC) String() string {
	switch s {
	case SLCNotConfigured:
		return "Not configured"
	case SLCConfiguration:
		return "Configuration"
	case SLCConfigurationLocked:
		return "Configuration locked"
	case SLCEOL:
		return "End of life"
	case SLCInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("Unknown (%d)", uint8(s))
}

// Locked reports whether authentication is enforced in this life cycle.
func (s SLC) Locked() bool {
	return s >= SLCConfigurationLocked
}

// AuthMethod selects the credential kind of an authentication request.
type AuthMethod uint8

const (
	AuthInvalid AuthMethod = iota
	AuthToken
	AuthPassword
)

func (m AuthMethod) String() string {
	switch m {
	case AuthToken:
		return "token"
	case AuthPassword:
		return "password"
	}
	return "invalid"
}

// marshal serializes a packed little endian structure.
func marshal(v any) []byte {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("api: cannot encode %T: %v", v, err))
	}

	return buf.Bytes()
}

// Marshal returns the packed wire form of a response structure, as sent in
// bulk data phases.
func Marshal(v any) []byte {
	return marshal(v)
}

// unmarshal parses a packed little endian structure, b may be larger than
// the structure.
func unmarshal(b []byte, v any) error {
	if n := binary.Size(v); n > len(b) {
		return fmt.Errorf("%w: %T needs %d bytes, have %d", ErrTransfer, v, n, len(b))
	}

	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}
