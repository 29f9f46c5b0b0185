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

// Package board provides the board specific command and status hooks.
package board

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
)

// Board is the board collaborator.
type Board interface {
	// ID returns the board name, at most api.BoardIDLength bytes.
	ID() string
	// Command runs board command cmd, writing its response to resp and
	// returning the response length.
	Command(cmd uint32, req []byte, resp []byte) (int, error)
	// Status writes the board status to resp and returns its length.
	Status(resp []byte) (int, error)
}

// CommandID returns the id of a named board command, hosts derive it the
// same way.
func CommandID(name string) uint32 {
	return crc32.ChecksumIEEE([]byte(name))
}

// Handler implements a board command.
type Handler func(req []byte, resp []byte) (int, error)

// SLCReader reads the security life cycle.
type SLCReader interface {
	SLC() (api.SLC, error)
}

// Registers is board scratch state persisted across boots.
type Registers interface {
	BoardReg(i int) (uint32, error)
	SetBoardReg(i int, v uint32) error
}

const (
	// regBootCount holds the number of bootloader starts.
	regBootCount = 0
	// regUser is the first register available to hosts.
	regUser = 1
)

// Simulated is a board without hardware, its status is encoded as a
// protobuf message.
type Simulated struct {
	name   string
	start  time.Time
	reason string
	boots  uint32
	slc    SLCReader
	regs   Registers

	commands map[uint32]Handler
	names    map[uint32]string
}

// NewSimulated returns a simulated board, counting this start in regs.
func NewSimulated(name, reason string, slc SLCReader, regs Registers) (*Simulated, error) {
	if len(name) > api.BoardIDLength {
		return nil, fmt.Errorf("board name %q longer than %d bytes", name, api.BoardIDLength)
	}

	boots, err := regs.BoardReg(regBootCount)
	if err != nil {
		return nil, err
	}

	boots++

	if err = regs.SetBoardReg(regBootCount, boots); err != nil {
		return nil, err
	}

	b := &Simulated{
		name:     name,
		start:    time.Now(),
		reason:   reason,
		boots:    boots,
		slc:      slc,
		regs:     regs,
		commands: make(map[uint32]Handler),
		names:    make(map[uint32]string),
	}

	b.Register("test-command", b.echo)
	b.Register("reg-read", b.regRead)
	b.Register("reg-write", b.regWrite)

	klog.Infof("SM board %s started (boot %d, %s)", name, boots, reason)

	return b, nil
}

// Register adds a named command.
func (b *Simulated) Register(name string, h Handler) {
	id := CommandID(name)
	b.commands[id] = h
	b.names[id] = name
}

// Commands returns the registered command names.
func (b *Simulated) Commands() []string {
	var names []string
	for _, n := range b.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (b *Simulated) ID() string {
	return b.name
}

func (b *Simulated) Command(cmd uint32, req []byte, resp []byte) (int, error) {
	h, ok := b.commands[cmd]
	if !ok {
		klog.Errorf("SM unknown board command %#08x", cmd)
		return 0, fmt.Errorf("%w: board command %#08x", api.ErrNotSupported, cmd)
	}

	klog.V(2).Infof("SM board command %s (%d bytes)", b.names[cmd], len(req))

	return h(req, resp)
}

func put(resp, b []byte) (int, error) {
	if len(b) > len(resp) {
		return 0, fmt.Errorf("%w: %d byte response exceeds %d bytes", api.ErrNoMemory, len(b), len(resp))
	}
	return copy(resp, b), nil
}

func (b *Simulated) echo(req []byte, resp []byte) (int, error) {
	return put(resp, []byte(fmt.Sprintf("Hello test-command: %s\n", req)))
}

// regIndex maps a host register index past the reserved registers.
func regIndex(req []byte) (int, error) {
	if len(req) < 4 {
		return 0, fmt.Errorf("%w: missing register index", api.ErrInvalidArgument)
	}
	return int(binary.LittleEndian.Uint32(req)) + regUser, nil
}

func (b *Simulated) regRead(req []byte, resp []byte) (int, error) {
	i, err := regIndex(req)
	if err != nil {
		return 0, err
	}

	v, err := b.regs.BoardReg(i)
	if err != nil {
		return 0, err
	}

	return put(resp, binary.LittleEndian.AppendUint32(nil, v))
}

func (b *Simulated) regWrite(req []byte, resp []byte) (int, error) {
	i, err := regIndex(req)
	if err != nil {
		return 0, err
	}

	if len(req) < 8 {
		return 0, fmt.Errorf("%w: missing register value", api.ErrInvalidArgument)
	}

	return 0, b.regs.SetBoardReg(i, binary.LittleEndian.Uint32(req[4:]))
}

// Status fields.
const (
	fieldUptime     protowire.Number = 1
	fieldBootCount  protowire.Number = 2
	fieldBootReason protowire.Number = 3
	fieldSLC        protowire.Number = 4
)

// Status is the decoded status of a simulated board.
type Status struct {
	Uptime     time.Duration
	BootCount  uint32
	BootReason string
	SLC        api.SLC
}

func (b *Simulated) Status(resp []byte) (int, error) {
	slc, err := b.slc.SLC()
	if err != nil {
		return 0, err
	}

	var m []byte

	m = protowire.AppendTag(m, fieldUptime, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(time.Since(b.start).Milliseconds()))
	m = protowire.AppendTag(m, fieldBootCount, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(b.boots))
	m = protowire.AppendTag(m, fieldBootReason, protowire.BytesType)
	m = protowire.AppendString(m, b.reason)
	m = protowire.AppendTag(m, fieldSLC, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(slc))

	return put(resp, m)
}

// DecodeStatus parses a simulated board status, unknown fields are skipped.
func DecodeStatus(b []byte) (*Status, error) {
	s := &Status{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldBootReason && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.BootReason = v
			b = b[n:]
			continue
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldUptime:
				s.Uptime = time.Duration(v) * time.Millisecond
			case fieldBootCount:
				s.BootCount = uint32(v)
			case fieldSLC:
				s.SLC = api.SLC(v)
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}

	return s, nil
}

func (s *Status) String() string {
	return fmt.Sprintf("Uptime ...........: %v\nBoot count .......: %d\nBoot reason ......: %s\nLife cycle .......: %v", s.Uptime, s.BootCount, s.BootReason, s.SLC)
}
