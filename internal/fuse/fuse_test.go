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

package fuse

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/rpmb"
)

var (
	testDevice = uuid.MustParse("2af755d8-8de5-45d5-a862-014cfa735ce0")
	testKeys   = []uint32{0xa90f9680, 0x25c8fe8c, 0x1a3c7f01}
)

func newFuses(t *testing.T) (*Fuses, rpmb.Card) {
	t.Helper()

	card, err := rpmb.NewEmulated("", 16)
	if err != nil {
		t.Fatalf("NewEmulated: %v", err)
	}
	p, err := rpmb.Open(card, rpmb.DeriveKey([]byte("secret"), testDevice[:]), 0)
	if err != nil {
		t.Fatalf("rpmb.Open: %v", err)
	}
	f, err := Open(p, 2, 4, testDevice, testKeys)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f, card
}

func TestLifeCycle(t *testing.T) {
	f, _ := newFuses(t)

	for _, test := range []struct {
		name    string
		op      func() error
		wantErr bool
		want    api.SLC
	}{
		{name: "lock before configuration", op: f.SetConfigurationLock, wantErr: true, want: api.SLCNotConfigured},
		{name: "configure", op: f.SetConfiguration, want: api.SLCConfiguration},
		{name: "configure again", op: f.SetConfiguration, want: api.SLCConfiguration},
		{name: "lock", op: f.SetConfigurationLock, want: api.SLCConfigurationLocked},
		{name: "back to configuration", op: f.SetConfiguration, wantErr: true, want: api.SLCConfigurationLocked},
		{name: "end of life", op: f.SetEOL, want: api.SLCEOL},
		{name: "unlock after end of life", op: f.SetConfigurationLock, wantErr: true, want: api.SLCEOL},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.op()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got err %v, wantErr %t", err, test.wantErr)
			}
			got, err := f.SLC()
			if err != nil {
				t.Fatalf("SLC: %v", err)
			}
			if got != test.want {
				t.Fatalf("SLC = %v, want %v", got, test.want)
			}
		})
	}
}

func TestEOLFromAnyState(t *testing.T) {
	f, _ := newFuses(t)
	if err := f.SetEOL(); err != nil {
		t.Fatalf("SetEOL: %v", err)
	}
	if got, _ := f.SLC(); got != api.SLCEOL {
		t.Fatalf("SLC = %v", got)
	}
}

func TestRevokeKey(t *testing.T) {
	f, _ := newFuses(t)

	if err := f.RevokeKey(0xdeadbeef); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("RevokeKey(unknown): got %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.RevokeKey(testKeys[1]); err != nil {
			t.Fatalf("RevokeKey: %v", err)
		}
	}

	if ok, err := f.KeyActive(testKeys[1]); err != nil || ok {
		t.Fatalf("KeyActive(revoked) = %t, %v", ok, err)
	}
	if ok, err := f.KeyActive(testKeys[0]); err != nil || !ok {
		t.Fatalf("KeyActive(active) = %t, %v", ok, err)
	}

	got, err := f.KeyStatus()
	if err != nil {
		t.Fatalf("KeyStatus: %v", err)
	}
	want := &api.KeyStatus{}
	want.Active[0], want.Active[1] = testKeys[0], testKeys[2]
	want.Revoked[0] = testKeys[1]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestPassword(t *testing.T) {
	f, _ := newFuses(t)

	if err := f.CheckPassword([]byte("hunter2")); !errors.Is(err, api.ErrAuthenticationFailed) {
		t.Fatalf("CheckPassword without password: got %v", err)
	}
	if err := f.SetPassword(nil); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("SetPassword(empty): got %v", err)
	}
	if err := f.SetPassword([]byte("hunter2")); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := f.SetPassword([]byte("other")); err == nil {
		t.Fatalf("Second SetPassword succeeded")
	}
	if err := f.CheckPassword([]byte("hunter2")); err != nil {
		t.Fatalf("CheckPassword: %v", err)
	}
	if err := f.CheckPassword([]byte("hunter3")); !errors.Is(err, api.ErrAuthenticationFailed) {
		t.Fatalf("CheckPassword(wrong): got %v", err)
	}
}

func TestStatePersists(t *testing.T) {
	f, _ := newFuses(t)
	if err := f.SetConfiguration(); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}

	reopened, err := Open(f.store, f.first, f.sectors, testDevice, testKeys)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got, _ := reopened.SLC(); got != api.SLCConfiguration {
		t.Fatalf("SLC after reopen = %v", got)
	}
}
