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

// Package fuse emulates the one-time programmable device configuration: the
// security life cycle, key revocation and the OTP password.
//
// The configuration is kept in replay protected storage so that it can only
// move forward.
package fuse

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/rpmb"
)

const (
	// passwordIter is the PBKDF2 iteration count of the OTP password hash.
	passwordIter = 4096
	// MaxPasswordLength bounds the OTP password.
	MaxPasswordLength = 64
)

// Store is replay protected sector storage, such as an RPMB partition.
type Store interface {
	Read(sector uint16, buf []byte) error
	Write(sector uint16, buf []byte) error
}

// record is the persisted fuse state.
type record struct {
	SLC      api.SLC  `msgpack:"slc"`
	Revoked  []uint32 `msgpack:"revoked"`
	Password []byte   `msgpack:"password,omitempty"`
}

// Fuses is the device configuration. State is read back from the store on
// every query.
type Fuses struct {
	mu sync.Mutex

	store   Store
	first   uint16
	sectors int

	device uuid.UUID
	keys   []uint32
}

// Open returns the fuses kept in sectors [first, first+sectors) of store.
// keys lists the keystore key ids, in keystore order.
func Open(store Store, first uint16, sectors int, device uuid.UUID, keys []uint32) (*Fuses, error) {
	f := &Fuses{
		store:   store,
		first:   first,
		sectors: sectors,
		device:  device,
		keys:    keys,
	}

	r, err := f.load()
	if err != nil {
		return nil, err
	}

	klog.Infof("SM security life cycle: %s, %d revoked keys", r.SLC, len(r.Revoked))

	return f, nil
}

func (f *Fuses) load() (*record, error) {
	buf := make([]byte, f.sectors*rpmb.SectorLength)

	for i := 0; i < f.sectors; i++ {
		if err := f.store.Read(f.first+uint16(i), buf[i*rpmb.SectorLength:(i+1)*rpmb.SectorLength]); err != nil {
			return nil, fmt.Errorf("%w: fuse read: %v", api.ErrIO, err)
		}
	}

	r := &record{SLC: api.SLCNotConfigured}

	n := int(binary.BigEndian.Uint16(buf))
	if n == 0 {
		return r, nil
	}

	if n > len(buf)-2 {
		return nil, fmt.Errorf("%w: fuse record length %d", api.ErrIO, n)
	}

	if err := msgpack.Unmarshal(buf[2:2+n], r); err != nil {
		return nil, fmt.Errorf("%w: fuse record: %v", api.ErrIO, err)
	}

	return r, nil
}

func (f *Fuses) commit(r *record) error {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return err
	}

	buf := make([]byte, f.sectors*rpmb.SectorLength)

	if len(b) > len(buf)-2 {
		return fmt.Errorf("%w: fuse record of %d bytes", api.ErrNoMemory, len(b))
	}

	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	copy(buf[2:], b)

	for i := 0; i < f.sectors; i++ {
		if err := f.store.Write(f.first+uint16(i), buf[i*rpmb.SectorLength:(i+1)*rpmb.SectorLength]); err != nil {
			return fmt.Errorf("%w: fuse write: %v", api.ErrIO, err)
		}
	}

	return nil
}

// SLC returns the security life cycle.
func (f *Fuses) SLC() (api.SLC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return api.SLCInvalid, err
	}

	return r.SLC, nil
}

// advance moves the life cycle to to. Repeating the current state is
// allowed, skipping a state is only allowed towards end of life.
func (f *Fuses) advance(to api.SLC) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return err
	}

	switch {
	case r.SLC == to:
		return nil
	case to < r.SLC:
		return fmt.Errorf("%w: security life cycle can not go from %s to %s", api.ErrGeneric, r.SLC, to)
	case to != api.SLCEOL && to != r.SLC+1:
		return fmt.Errorf("%w: security life cycle %s must precede %s", api.ErrGeneric, to-1, to)
	}

	klog.Warningf("SM security life cycle %s -> %s", r.SLC, to)

	r.SLC = to

	return f.commit(r)
}

// SetConfiguration moves to the configuration state.
func (f *Fuses) SetConfiguration() error {
	return f.advance(api.SLCConfiguration)
}

// SetConfigurationLock locks the configuration.
func (f *Fuses) SetConfigurationLock() error {
	return f.advance(api.SLCConfigurationLocked)
}

// SetEOL ends the device life.
func (f *Fuses) SetEOL() error {
	return f.advance(api.SLCEOL)
}

// RevokeKey permanently revokes key id.
func (f *Fuses) RevokeKey(id uint32) error {
	if !slices.Contains(f.keys, id) {
		return fmt.Errorf("%w: key %#08x", api.ErrNotFound, id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return err
	}

	if slices.Contains(r.Revoked, id) {
		return nil
	}

	if len(r.Revoked) == api.MaxTrackedKeys {
		return fmt.Errorf("%w: revocation list full", api.ErrNoMemory)
	}

	klog.Warningf("SM revoking key %#08x", id)

	r.Revoked = append(r.Revoked, id)

	return f.commit(r)
}

// KeyActive reports whether key id has not been revoked.
func (f *Fuses) KeyActive(id uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return false, err
	}

	return !slices.Contains(r.Revoked, id), nil
}

// KeyStatus lists active and revoked key ids.
func (f *Fuses) KeyStatus() (*api.KeyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return nil, err
	}

	s := &api.KeyStatus{}
	n := 0

	for _, id := range f.keys {
		if slices.Contains(r.Revoked, id) || n == api.MaxTrackedKeys {
			continue
		}
		s.Active[n] = id
		n++
	}

	copy(s.Revoked[:], r.Revoked)

	return s, nil
}

func (f *Fuses) passwordHash(pw []byte) []byte {
	return pbkdf2.Key(pw, []byte(f.device.String()), passwordIter, sha256.Size, sha256.New)
}

// SetPassword sets the OTP password, which can only be done once.
func (f *Fuses) SetPassword(pw []byte) error {
	if len(pw) == 0 || len(pw) > MaxPasswordLength {
		return fmt.Errorf("%w: password length %d", api.ErrInvalidArgument, len(pw))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return err
	}

	if r.Password != nil {
		return fmt.Errorf("%w: OTP password already set", api.ErrGeneric)
	}

	r.Password = f.passwordHash(pw)

	klog.Infof("SM OTP password set")

	return f.commit(r)
}

// CheckPassword verifies pw against the OTP password.
func (f *Fuses) CheckPassword(pw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, err := f.load()
	if err != nil {
		return err
	}

	if r.Password == nil {
		return fmt.Errorf("%w: no OTP password set", api.ErrAuthenticationFailed)
	}

	if subtle.ConstantTimeCompare(r.Password, f.passwordHash(pw)) != 1 {
		return fmt.Errorf("%w: wrong password", api.ErrAuthenticationFailed)
	}

	return nil
}
