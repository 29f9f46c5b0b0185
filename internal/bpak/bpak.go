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

// Package bpak implements the signed image header format.
//
// An image is a 4096 byte header followed by its parts. When stored in a
// partition the parts start at the first block and the header occupies the
// last blocks of the partition.
package bpak

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
)

const (
	Magic         = 0x42504132
	HeaderSize    = 4096
	MaxParts      = 32
	MaxMeta       = 32
	MetadataSize  = 1920
	PartAlign     = 512
	SignatureSize = 512

	// PartFlagExcludeFromHash parts are not covered by the payload hash.
	PartFlagExcludeFromHash = 1 << 0
	// PartFlagTransport parts are encoded for transport.
	PartFlagTransport = 1 << 1

	// MetaLoadAddr is the id of the "pb-load-addr" metadata, a u64 load
	// address referencing a part.
	MetaLoadAddr = 0xd1e64a4b
)

// ErrInvalidHeader is returned for headers failing validation.
var ErrInvalidHeader = fmt.Errorf("%w: invalid image header", api.ErrGeneric)

// Meta locates a metadata item within the metadata area.
type Meta struct {
	ID        uint32
	Size      uint16
	Offset    uint16
	PartIDRef uint32
	Reserved  [4]byte
}

// Part describes an image part.
type Part struct {
	ID            uint32
	Size          uint64
	Offset        uint64
	TransportSize uint64
	PadBytes      uint16
	Flags         uint8
	Reserved      uint8
}

// Length returns the number of bytes of the part data stream.
func (p *Part) Length() uint64 {
	if p.Flags&PartFlagTransport != 0 {
		return p.TransportSize
	}
	return p.Size + uint64(p.PadBytes)
}

// Header is the image header. All reserved areas are kept so that encoding a
// parsed header reproduces its bytes.
type Header struct {
	Magic         uint32
	Reserved0     [4]byte
	Meta          [MaxMeta]Meta
	Parts         [MaxParts]Part
	Metadata      [MetadataSize]byte
	HashKind      hash.Algorithm
	SignatureKind uint8
	Alignment     uint16
	PayloadHash   [64]byte
	KeyID         uint32
	KeystoreID    uint32
	Reserved1     [42]byte
	Signature     [SignatureSize]byte
	SignatureSize uint16
}

// Parse decodes and validates a header.
func Parse(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}

	h := &Header{}

	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}

	return h, nil
}

// Bytes encodes the header.
func (h *Header) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderSize)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// Validate checks the magic, the alignment of all parts and the bounds of
// all metadata.
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic %#08x", ErrInvalidHeader, h.Magic)
	}

	for i := range h.Meta {
		m := &h.Meta[i]

		if m.ID == 0 {
			continue
		}

		if int(m.Offset)+int(m.Size) > MetadataSize {
			return fmt.Errorf("%w: metadata %#08x outside of metadata area", ErrInvalidHeader, m.ID)
		}
	}

	for _, p := range h.UsedParts() {
		if (p.Size+uint64(p.PadBytes))%PartAlign != 0 {
			return fmt.Errorf("%w: part %#08x is not %d byte aligned", ErrInvalidHeader, p.ID, PartAlign)
		}
	}

	if h.HashKind == hash.Invalid {
		return fmt.Errorf("%w: no hash kind", ErrInvalidHeader)
	}

	return nil
}

// UsedParts returns the parts in header order, up to the first empty slot.
func (h *Header) UsedParts() []*Part {
	var parts []*Part

	for i := range h.Parts {
		if h.Parts[i].ID == 0 {
			break
		}
		parts = append(parts, &h.Parts[i])
	}

	return parts
}

// GetMeta returns the metadata with id referencing part ref.
func (h *Header) GetMeta(id, ref uint32) ([]byte, error) {
	for i := range h.Meta {
		m := &h.Meta[i]

		if m.ID != id || m.PartIDRef != ref {
			continue
		}

		end := int(m.Offset) + int(m.Size)
		if end > MetadataSize {
			return nil, fmt.Errorf("%w: metadata %#08x outside of metadata area", ErrInvalidHeader, id)
		}

		return h.Metadata[m.Offset:end], nil
	}

	return nil, fmt.Errorf("%w: metadata %#08x for part %#08x", api.ErrNotFound, id, ref)
}

// AddMeta stores data as metadata id referencing part ref.
func (h *Header) AddMeta(id, ref uint32, data []byte) error {
	end := 0

	for i := range h.Meta {
		m := &h.Meta[i]

		if m.ID == 0 {
			if end+len(data) > MetadataSize {
				return fmt.Errorf("%w: metadata area full", api.ErrNoMemory)
			}

			*m = Meta{ID: id, Size: uint16(len(data)), Offset: uint16(end), PartIDRef: ref}
			copy(h.Metadata[end:], data)

			return nil
		}

		// metadata items are kept 8 byte aligned
		end = (int(m.Offset) + int(m.Size) + 7) &^ 7
	}

	return fmt.Errorf("%w: no free metadata slot", api.ErrNoMemory)
}

// AddPart appends a part.
func (h *Header) AddPart(p Part) error {
	for i := range h.Parts {
		if h.Parts[i].ID == p.ID {
			return fmt.Errorf("%w: duplicate part %#08x", api.ErrInvalidArgument, p.ID)
		}

		if h.Parts[i].ID == 0 {
			h.Parts[i] = p
			return nil
		}
	}

	return fmt.Errorf("%w: no free part slot", api.ErrNoMemory)
}

// LoadAddr returns the load address of part id.
func (h *Header) LoadAddr(id uint32) (uint64, error) {
	b, err := h.GetMeta(MetaLoadAddr, id)
	if err != nil {
		return 0, err
	}

	if len(b) != 8 {
		return 0, fmt.Errorf("%w: load address of part %#08x is %d bytes", ErrInvalidHeader, id, len(b))
	}

	return binary.LittleEndian.Uint64(b), nil
}

// ExtractSignature returns the signature and the header bytes with the
// signature area and size zeroed, as covered by the signature.
func (h *Header) ExtractSignature() (sig []byte, signed []byte, err error) {
	if h.SignatureSize == 0 || h.SignatureSize > SignatureSize {
		return nil, nil, fmt.Errorf("%w: signature size %d", api.ErrSignature, h.SignatureSize)
	}

	sig = append([]byte{}, h.Signature[:h.SignatureSize]...)

	stripped := *h
	stripped.Signature = [SignatureSize]byte{}
	stripped.SignatureSize = 0

	return sig, stripped.Bytes(), nil
}

// PayloadDigest returns the payload hash truncated to the hash kind size.
func (h *Header) PayloadDigest() []byte {
	return h.PayloadHash[:h.HashKind.Size()]
}

// Length returns the size of the data stream of all parts.
func (h *Header) Length() uint64 {
	var n uint64

	for _, p := range h.UsedParts() {
		n += p.Length()
	}

	return n
}
