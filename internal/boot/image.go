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

package boot

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
)

// Region is a reserved memory range images must not be loaded over.
type Region struct {
	Name  string `yaml:"name"`
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (r Region) overlaps(addr, n uint64) bool {
	return addr < r.End && r.Start < addr+n
}

// KeyChecker reports key revocation.
type KeyChecker interface {
	KeyActive(id uint32) (bool, error)
}

// Source provides image part data.
type Source interface {
	// ReadPart fills buf with part data starting at byte offset within the
	// part. Parts are read in header order and each part sequentially.
	ReadPart(h *bpak.Header, p *bpak.Part, offset uint64, buf []byte) error
}

// Reporter is called with the outcome of every load stage, a non-nil
// returned error aborts the load.
type Reporter func(err error) error

// Part is a loaded image part.
type Part struct {
	ID       uint32
	LoadAddr uint64
	Data     []byte
}

// Loader authenticates image headers and loads their parts.
type Loader struct {
	keys     *keystore.Keystore
	fuses    KeyChecker
	reserved []Region
	chunk    int
}

// NewLoader returns a loader reading parts chunk bytes at a time.
func NewLoader(keys *keystore.Keystore, fuses KeyChecker, chunk int, reserved ...Region) *Loader {
	return &Loader{
		keys:     keys,
		fuses:    fuses,
		reserved: reserved,
		chunk:    chunk,
	}
}

// Authenticate checks the header signature against the keystore.
func (l *Loader) Authenticate(h *bpak.Header) error {
	if err := h.Validate(); err != nil {
		return err
	}

	klog.V(2).Infof("PB image key-store %#08x key %#08x", h.KeystoreID, h.KeyID)

	if h.KeystoreID != l.keys.ID {
		return fmt.Errorf("%w: image keystore %#08x, have %#08x", api.ErrGeneric, h.KeystoreID, l.keys.ID)
	}

	k, err := l.keys.Key(h.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrGeneric, err)
	}

	active, err := l.fuses.KeyActive(h.KeyID)
	if err != nil {
		return err
	}

	if !active {
		return fmt.Errorf("%w: key %#08x", api.ErrKeyRevoked, h.KeyID)
	}

	if h.HashKind.Crypto() == 0 {
		return fmt.Errorf("%w: unknown hash kind %d", bpak.ErrInvalidHeader, h.HashKind)
	}

	sig, signed, err := h.ExtractSignature()
	if err != nil {
		return err
	}

	digest, err := hash.Sum(h.HashKind, signed)
	if err != nil {
		return err
	}

	if err = k.Verify(h.HashKind, digest, sig); err != nil {
		klog.Warningf("PB image authentication failed: %v", err)
		return err
	}

	klog.Infof("PB image authentication successful")

	return l.checkParts(h)
}

// checkParts ensures every part has a load address and does not land on a
// reserved region.
func (l *Loader) checkParts(h *bpak.Header) error {
	for _, p := range h.UsedParts() {
		addr, err := h.LoadAddr(p.ID)
		if err != nil {
			return fmt.Errorf("%w: part %#08x has no load address: %v", api.ErrGeneric, p.ID, err)
		}

		for _, r := range l.reserved {
			if r.overlaps(addr, p.Length()) {
				return fmt.Errorf("%w: part %#08x at %#x overlaps %s", api.ErrMem, p.ID, addr, r.Name)
			}
		}
	}

	return nil
}

// Load reads all parts from src through the payload hash and compares it
// with the header. report is called after each part and after the payload
// check.
func (l *Loader) Load(h *bpak.Header, src Source, report Reporter) ([]Part, error) {
	if report == nil {
		report = func(err error) error { return err }
	}

	var c hash.Context

	if err := c.Init(h.HashKind); err != nil {
		return nil, err
	}

	var parts []Part

	for _, p := range h.UsedParts() {
		addr, err := h.LoadAddr(p.ID)
		if err != nil {
			return nil, report(fmt.Errorf("%w: part %#08x: %v", api.ErrGeneric, p.ID, err))
		}

		n := p.Length()
		data := make([]byte, n)

		klog.V(2).Infof("PB loading part %#08x --> %#x, %d bytes", p.ID, addr, n)

		for off := uint64(0); off < n && err == nil; off += uint64(l.chunk) {
			end := min(off+uint64(l.chunk), n)

			if err = src.ReadPart(h, p, off, data[off:end]); err == nil {
				err = c.Update(data[off:end])
			}
		}

		if err = report(err); err != nil {
			return nil, err
		}

		parts = append(parts, Part{ID: p.ID, LoadAddr: addr, Data: data})
	}

	digest, err := c.Final()
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(digest, h.PayloadDigest()) {
		klog.Warningf("PB image payload hash mismatch")
		err = fmt.Errorf("%w: image payload hash mismatch", api.ErrPartVerifyFailed)
	}

	if err = report(err); err != nil {
		return nil, err
	}

	return parts, nil
}
