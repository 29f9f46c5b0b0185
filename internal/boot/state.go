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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

const (
	stateMagic = 0x026d4a65
	// StateSize is the size of the persisted boot state record.
	StateSize = 512
	// BoardRegs is the number of board registers kept in the boot state.
	BoardRegs = 4
)

// Slot bits of the enable and verified fields.
const (
	SlotA uint32 = 1 << 0
	SlotB uint32 = 1 << 1
)

// Rollback bits of the error field.
const (
	ErrorRollbackA uint32 = 1 << 0
	ErrorRollbackB uint32 = 1 << 1
)

// ErrNoActivePartition is returned when no slot is enabled.
var ErrNoActivePartition = fmt.Errorf("%w: no active boot partition", api.ErrGeneric)

// RollbackMode selects what happens when both slots are unverified.
type RollbackMode int

const (
	// RollbackNormal refuses to boot an unverified fallback slot.
	RollbackNormal RollbackMode = iota
	// RollbackSpeculative enables the fallback slot for a single attempt.
	RollbackSpeculative
)

// record is the persisted boot state.
type record struct {
	Magic             uint32
	Enable            uint32
	Verified          uint32
	RemainingAttempts uint32
	Error             uint32
	Reserved          [472]byte
	BoardRegs         [BoardRegs]uint32
	CRC               uint32
}

func (r *record) checksum() uint32 {
	c := *r
	c.CRC = 0

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &c)

	return crc32.ChecksumIEEE(buf.Bytes())
}

func (r *record) valid() bool {
	return r.Magic == stateMagic && r.CRC == r.checksum()
}

// StateConfig locates the state copies and the boot slots.
type StateConfig struct {
	Primary  uuid.UUID
	Backup   uuid.UUID
	SystemA  uuid.UUID
	SystemB  uuid.UUID
	Rollback RollbackMode
}

// State is the A/B slot selection state, kept in two partitions.
type State struct {
	cfg   StateConfig
	parts Resolver

	r record
}

// Resolver looks up partitions by uuid.
type Resolver interface {
	Part(id uuid.UUID) (*storage.Partition, *storage.Driver, error)
}

// OpenState loads the boot state, repairing a corrupt copy from the other
// one and installing defaults when both are corrupt. The slot partitions
// are marked bootable.
func OpenState(parts Resolver, cfg StateConfig) (*State, error) {
	s := &State{cfg: cfg, parts: parts}

	for _, id := range []uuid.UUID{cfg.SystemA, cfg.SystemB} {
		p, _, err := parts.Part(id)
		if err != nil {
			return nil, fmt.Errorf("boot slot: %w", err)
		}
		p.Flags |= storage.FlagBootable
	}

	primary, perr := s.read(cfg.Primary)
	if perr != nil {
		klog.Errorf("PB primary boot state: %v", perr)
	}

	backup, berr := s.read(cfg.Backup)
	if berr != nil {
		klog.Errorf("PB backup boot state: %v", berr)
	}

	var r record

	switch {
	case perr != nil && berr != nil:
		klog.Warningf("PB no valid boot state found, installing defaults")
		r = record{Magic: stateMagic}
	case berr != nil:
		klog.Warningf("PB backup boot state corrupt, repairing")
		r = *primary
	case perr != nil:
		klog.Warningf("PB primary boot state corrupt, repairing")
		r = *backup
	default:
		klog.Infof("PB boot state loaded")
		s.r = *primary
		return s, nil
	}

	if err := s.commit(r); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *State) read(id uuid.UUID) (*record, error) {
	p, d, err := s.parts.Part(id)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, max(StateSize, int(d.BlockSize())))

	if err = d.Read(p, buf, 0); err != nil {
		return nil, err
	}

	r := &record{}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, r); err != nil {
		return nil, err
	}

	if !r.valid() {
		return nil, errors.New("bad magic or checksum")
	}

	return r, nil
}

// commit writes r to both copies and makes it the current state. The
// current state is left unchanged when a write fails.
func (s *State) commit(r record) error {
	r.CRC = r.checksum()

	rec := new(bytes.Buffer)
	_ = binary.Write(rec, binary.LittleEndian, &r)

	for _, id := range []uuid.UUID{s.cfg.Primary, s.cfg.Backup} {
		p, d, err := s.parts.Part(id)
		if err != nil {
			return err
		}

		buf := make([]byte, max(StateSize, int(d.BlockSize())))
		copy(buf, rec.Bytes())

		if err = d.Write(p, buf, 0); err != nil {
			klog.Errorf("PB could not write boot state: %v", err)
			return err
		}
	}

	s.r = r

	klog.V(2).Infof("PB boot state written")

	return nil
}

// Select returns the slot to boot, consuming a boot attempt of an unverified
// slot or rolling back to the other slot.
func (s *State) Select() (uuid.UUID, error) {
	r := s.r

	klog.V(2).Infof("PB A/B boot state %d %d %d", r.Enable, r.Verified, r.Error)

	var this, other uint32
	var thisID, otherID uuid.UUID

	rollback, name := ErrorRollbackA, "B"

	switch {
	case r.Enable&SlotA != 0:
		this, other, thisID, otherID = SlotA, SlotB, s.cfg.SystemA, s.cfg.SystemB
	case r.Enable&SlotB != 0:
		this, other, thisID, otherID = SlotB, SlotA, s.cfg.SystemB, s.cfg.SystemA
		rollback, name = ErrorRollbackB, "A"
	default:
		return uuid.Nil, ErrNoActivePartition
	}

	switch {
	case r.Verified&this != 0:
		return thisID, nil
	case r.RemainingAttempts > 0:
		r.RemainingAttempts--
	case r.Verified&other != 0:
		klog.Warningf("PB rollback to %s system", name)
		r.Enable = other
		r.Error = rollback
		thisID = otherID
	case s.cfg.Rollback == RollbackSpeculative:
		klog.Warningf("PB speculative rollback to unverified %s system", name)
		r.Enable = other
		r.RemainingAttempts = 1
		r.Error = rollback
		thisID = otherID
	default:
		klog.Errorf("PB %s system not verified, failing", name)
		return uuid.Nil, fmt.Errorf("%w: %s system not verified", api.ErrGeneric, name)
	}

	if err := s.commit(r); err != nil {
		return uuid.Nil, err
	}

	return thisID, nil
}

// Activate makes id the verified boot slot, the nil uuid disables booting.
// Other partitions are rejected without changing the state.
func (s *State) Activate(id uuid.UUID) error {
	r := s.r

	switch id {
	case s.cfg.SystemA:
		r.Enable, r.Verified = SlotA, SlotA
	case s.cfg.SystemB:
		r.Enable, r.Verified = SlotB, SlotB
	case uuid.Nil:
		r.Enable, r.Verified = 0, 0
	default:
		return fmt.Errorf("%w: %s is not a boot slot", api.ErrPartNotBootable, id)
	}

	r.Error = 0

	if err := s.commit(r); err != nil {
		return err
	}

	klog.Infof("PB boot partition set to %s (%s)", s.Name(id), id)

	return nil
}

// Active returns the enabled slot, or the nil uuid.
func (s *State) Active() uuid.UUID {
	switch s.r.Enable {
	case SlotA:
		return s.cfg.SystemA
	case SlotB:
		return s.cfg.SystemB
	}
	return uuid.Nil
}

// Name returns "A" or "B" for the slot uuids and "?" otherwise.
func (s *State) Name(id uuid.UUID) string {
	switch id {
	case s.cfg.SystemA:
		return "A"
	case s.cfg.SystemB:
		return "B"
	}
	return "?"
}

// Status returns the active slot and a short textual status.
func (s *State) Status() *api.BootStatusResult {
	id := s.Active()
	msg := s.Name(id)

	switch {
	case id == uuid.Nil:
		msg = "None"
	case s.r.Error&(ErrorRollbackA|ErrorRollbackB) != 0:
		msg += " (rollback)"
	case s.r.Verified&s.r.Enable == 0:
		msg += fmt.Sprintf(" (%d left)", s.r.RemainingAttempts)
	}

	res := &api.BootStatusResult{UUID: id}
	copy(res.Status[:len(res.Status)-1], msg)

	return res
}

// BoardReg returns board register i.
func (s *State) BoardReg(i int) (uint32, error) {
	if i < 0 || i >= BoardRegs {
		return 0, fmt.Errorf("%w: board register %d", api.ErrInvalidArgument, i)
	}
	return s.r.BoardRegs[BoardRegs-i-1], nil
}

// SetBoardReg persists board register i.
func (s *State) SetBoardReg(i int, v uint32) error {
	if i < 0 || i >= BoardRegs {
		return fmt.Errorf("%w: board register %d", api.ErrInvalidArgument, i)
	}
	r := s.r
	r.BoardRegs[BoardRegs-i-1] = v
	return s.commit(r)
}
