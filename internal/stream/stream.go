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

// Package stream moves partition data between the transport and storage
// through two staging buffers.
package stream

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

// NumBuffers is the number of staging buffers.
const NumBuffers = 2

// Resolver looks up partitions by uuid.
type Resolver interface {
	Part(id uuid.UUID) (*storage.Partition, *storage.Driver, error)
}

// Session binds the staging buffers to a partition.
type Session struct {
	Part   *storage.Partition
	Driver *storage.Driver
}

// Manager owns the staging buffers and the optional stream session.
type Manager struct {
	parts   Resolver
	buffers [NumBuffers][]byte
	// borrowed marks buffers handed out by Scratch since their last Prepare.
	borrowed [NumBuffers]bool

	session *Session
}

// New returns a manager with two buffers of size bytes each.
func New(parts Resolver, size int) *Manager {
	m := &Manager{parts: parts}

	for i := range m.buffers {
		m.buffers[i] = make([]byte, size)
	}

	return m
}

// Capacity returns the size of a single staging buffer.
func (m *Manager) Capacity() int {
	return len(m.buffers[0])
}

// Scratch returns staging buffer id at full capacity, for handlers which
// need scratch space outside of a stream session. Data prepared in the
// buffer is lost: writing it requires a new Prepare.
func (m *Manager) Scratch(id int) []byte {
	m.borrowed[id] = true
	return m.buffers[id]
}

// Session returns the active session, or nil.
func (m *Manager) Session() *Session {
	return m.session
}

// Init starts a session on partition id, releasing any previous session.
func (m *Manager) Init(id uuid.UUID) error {
	if m.session != nil {
		klog.Warningf("PB stream on %s replaced before finalize", m.session.Part)

		if err := m.Finalize(); err != nil {
			klog.Errorf("PB stream release failed: %v", err)
		}
	}

	p, d, err := m.parts.Part(id)
	if err != nil {
		return err
	}

	if err = d.MapRequest(p); err != nil {
		return fmt.Errorf("%w: map request %s: %v", api.ErrIO, p, err)
	}

	m.session = &Session{Part: p, Driver: d}

	klog.V(2).Infof("PB stream initialized on %s", p)

	return nil
}

func (m *Manager) buffer(id uint8, size uint32) ([]byte, error) {
	if int(id) >= NumBuffers {
		return nil, fmt.Errorf("%w: buffer id %d", api.ErrNoMemory, id)
	}

	if int64(size) > int64(m.Capacity()) {
		return nil, fmt.Errorf("%w: %d bytes exceed the %d byte buffer", api.ErrNoMemory, size, m.Capacity())
	}

	return m.buffers[id][:size], nil
}

// Prepare returns the region of buffer id which the caller fills with size
// bytes from the transport.
func (m *Manager) Prepare(id uint8, size uint32) ([]byte, error) {
	buf, err := m.buffer(id, size)
	if err != nil {
		return nil, err
	}

	m.borrowed[id] = false

	return buf, nil
}

// span converts a byte range of the session partition into blocks.
func (m *Manager) span(offset uint64, size uint32) (uint64, error) {
	if m.session == nil {
		return 0, api.ErrStreamNotInitialized
	}

	d := m.session.Driver

	if _, err := d.Blocks(uint64(size)); err != nil {
		return 0, err
	}

	lba, err := d.Blocks(offset)
	if err != nil {
		return 0, fmt.Errorf("offset: %w", err)
	}

	return lba, nil
}

// Write commits the first size bytes of buffer id at byte offset of the
// session partition.
func (m *Manager) Write(id uint8, offset uint64, size uint32) error {
	buf, err := m.buffer(id, size)
	if err != nil {
		return err
	}

	lba, err := m.span(offset, size)
	if err != nil {
		return err
	}

	if m.borrowed[id] {
		return fmt.Errorf("%w: buffer %d was reused since it was prepared", api.ErrInvalidArgument, id)
	}

	s := m.session

	if !s.Part.Has(storage.FlagWritable) {
		return fmt.Errorf("%w: %s is not writable", api.ErrIO, s.Part)
	}

	return s.Driver.Write(s.Part, buf, lba)
}

// Read fills the first size bytes of buffer id from byte offset of the
// session partition and returns them.
func (m *Manager) Read(id uint8, offset uint64, size uint32) ([]byte, error) {
	buf, err := m.buffer(id, size)
	if err != nil {
		return nil, err
	}

	lba, err := m.span(offset, size)
	if err != nil {
		return nil, err
	}

	s := m.session

	if !s.Part.Has(storage.FlagReadable) {
		return nil, fmt.Errorf("%w: %s is not readable", api.ErrIO, s.Part)
	}

	if err = s.Driver.Read(s.Part, buf, lba); err != nil {
		return nil, err
	}

	return buf, nil
}

// Finalize ends the session, it is a no-op without one.
func (m *Manager) Finalize() error {
	s := m.session
	if s == nil {
		return nil
	}

	m.session = nil

	if err := s.Driver.MapRelease(s.Part); err != nil {
		return fmt.Errorf("%w: map release %s: %v", api.ErrIO, s.Part, err)
	}

	klog.V(2).Infof("PB stream finalized on %s", s.Part)

	return nil
}
