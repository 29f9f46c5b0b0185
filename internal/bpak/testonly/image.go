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

// Package testonly builds signed images for tests.
package testonly

import (
	"crypto"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
)

// Part is the content of an image part.
type Part struct {
	ID       uint32
	LoadAddr uint64
	Data     []byte
}

// Image is a signed header and its part data, each part padded to the
// part alignment.
type Image struct {
	Header *bpak.Header
	Parts  [][]byte
}

// Build returns an image signed by signer with key id keyID of keystore
// keystoreID.
func Build(t *testing.T, signer crypto.Signer, keyID, keystoreID uint32, alg hash.Algorithm, parts ...Part) *Image {
	t.Helper()

	h := &bpak.Header{
		Magic:      bpak.Magic,
		HashKind:   alg,
		KeyID:      keyID,
		KeystoreID: keystoreID,
	}
	img := &Image{Header: h}

	var c hash.Context
	if err := c.Init(alg); err != nil {
		t.Fatalf("Init: %v", err)
	}

	offset := uint64(bpak.HeaderSize)

	for _, p := range parts {
		pad := (bpak.PartAlign - len(p.Data)%bpak.PartAlign) % bpak.PartAlign
		data := append(append([]byte{}, p.Data...), make([]byte, pad)...)

		if err := h.AddPart(bpak.Part{ID: p.ID, Size: uint64(len(p.Data)), Offset: offset, PadBytes: uint16(pad)}); err != nil {
			t.Fatalf("AddPart: %v", err)
		}

		addr := make([]byte, 8)
		binary.LittleEndian.PutUint64(addr, p.LoadAddr)

		if err := h.AddMeta(bpak.MetaLoadAddr, p.ID, addr); err != nil {
			t.Fatalf("AddMeta: %v", err)
		}

		_ = c.Update(data)
		img.Parts = append(img.Parts, data)
		offset += uint64(len(data))
	}

	digest, err := c.Final()
	if err != nil {
		t.Fatalf("Final: %v", err)
	}
	copy(h.PayloadHash[:], digest)

	img.Sign(t, signer)

	return img
}

// Sign (re)computes the header signature.
func (img *Image) Sign(t *testing.T, signer crypto.Signer) {
	t.Helper()

	h := img.Header
	h.Signature = [bpak.SignatureSize]byte{}
	h.SignatureSize = 0

	digest, err := hash.Sum(h.HashKind, h.Bytes())
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	sig, err := signer.Sign(rand.Reader, digest, h.HashKind.Crypto())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	copy(h.Signature[:], sig)
	h.SignatureSize = uint16(len(sig))
}

// Payload returns all part data in order.
func (img *Image) Payload() []byte {
	var b []byte
	for _, p := range img.Parts {
		b = append(b, p...)
	}
	return b
}

// PartitionBytes lays the image out the way it is stored in a partition of
// size bytes: parts from the start, header at the end.
func (img *Image) PartitionBytes(t *testing.T, size int) []byte {
	t.Helper()

	payload := img.Payload()
	if len(payload)+bpak.HeaderSize > size {
		t.Fatalf("image of %d bytes does not fit %d bytes", len(payload)+bpak.HeaderSize, size)
	}

	b := make([]byte, size)
	copy(b, payload)
	copy(b[size-bpak.HeaderSize:], img.Header.Bytes())

	return b
}
