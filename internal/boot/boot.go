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

// Package boot selects, authenticates and loads the image to boot.
package boot

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

// SourceKind tells where an image was loaded from.
type SourceKind int

const (
	SourcePartition SourceKind = iota
	SourceTransport
)

func (k SourceKind) String() string {
	if k == SourceTransport {
		return "transport"
	}
	return "partition"
}

// Params describes a loaded and authenticated image ready for hand off.
type Params struct {
	Source    SourceKind
	Partition uuid.UUID
	Verbose   bool
	Header    *bpak.Header
	// Entry is the load address of the first part.
	Entry uint64
	Parts []Part
}

// Boot loads images from partitions or the transport.
type Boot struct {
	loader *Loader
	state  *State
	parts  Resolver
}

// New returns a boot selector.
func New(loader *Loader, state *State, parts Resolver) *Boot {
	return &Boot{
		loader: loader,
		state:  state,
		parts:  parts,
	}
}

// State returns the A/B state.
func (b *Boot) State() *State {
	return b.state
}

// Activate persists id as the next boot partition, the nil uuid disables
// booting.
func (b *Boot) Activate(id uuid.UUID) error {
	if id != uuid.Nil {
		p, _, err := b.parts.Part(id)
		if err != nil {
			return err
		}

		if !p.Has(storage.FlagBootable) {
			return fmt.Errorf("%w: %s", api.ErrPartNotBootable, p)
		}
	}

	return b.state.Activate(id)
}

// partSource reads parts stored from the start of a partition.
type partSource struct {
	d *storage.Driver
	p *storage.Partition
}

func (s *partSource) ReadPart(h *bpak.Header, p *bpak.Part, offset uint64, buf []byte) error {
	lba, err := s.d.Blocks(p.Offset - bpak.HeaderSize + offset)
	if err != nil {
		return err
	}

	return s.d.Read(s.p, buf, lba)
}

// FromPartition loads the image stored in partition id, the nil uuid
// selects the A/B slot.
func (b *Boot) FromPartition(id uuid.UUID, verbose bool) (*Params, error) {
	if id == uuid.Nil {
		var err error

		if id, err = b.state.Select(); err != nil {
			return nil, err
		}
	}

	p, d, err := b.parts.Part(id)
	if err != nil {
		return nil, err
	}

	klog.V(2).Infof("PB loading image from %s", p)

	if !p.Has(storage.FlagBootable) {
		return nil, fmt.Errorf("%w: %s", api.ErrPartNotBootable, p)
	}

	raw, err := ReadHeader(d, p)
	if err != nil {
		return nil, err
	}

	h, err := bpak.Parse(raw)
	if err != nil {
		return nil, err
	}

	if err = b.loader.Authenticate(h); err != nil {
		return nil, err
	}

	parts, err := b.loader.Load(h, &partSource{d: d, p: p}, nil)
	if err != nil {
		return nil, err
	}

	return params(SourcePartition, id, verbose, h, parts), nil
}

// FromImage authenticates a raw header received over the transport and
// loads its parts from src, report is called after the header check, after
// each part and after the payload check.
func (b *Boot) FromImage(id uuid.UUID, verbose bool, raw []byte, src Source, report Reporter) (*Params, error) {
	h, err := bpak.Parse(raw)
	if err == nil {
		err = b.loader.Authenticate(h)
	}

	if err = report(err); err != nil {
		return nil, err
	}

	parts, err := b.loader.Load(h, src, report)
	if err != nil {
		return nil, err
	}

	return params(SourceTransport, id, verbose, h, parts), nil
}

func params(kind SourceKind, id uuid.UUID, verbose bool, h *bpak.Header, parts []Part) *Params {
	p := &Params{
		Source:    kind,
		Partition: id,
		Verbose:   verbose,
		Header:    h,
		Parts:     parts,
	}

	if len(parts) > 0 {
		p.Entry = parts[0].LoadAddr
	}

	klog.Infof("PB image from %s ready, entry %#x", kind, p.Entry)

	return p
}
