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

package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
)

const (
	activeKey  = 0xa90f9680
	revokedKey = 0x25c8fe8c
)

var testDevice = uuid.MustParse("2af755d8-8de5-45d5-a862-014cfa735ce0")

type fakeFuses struct {
	slc      api.SLC
	revoked  map[uint32]bool
	password string
}

func (f *fakeFuses) SLC() (api.SLC, error) {
	return f.slc, nil
}

func (f *fakeFuses) KeyActive(id uint32) (bool, error) {
	return !f.revoked[id], nil
}

func (f *fakeFuses) CheckPassword(pw []byte) error {
	if f.password == "" || string(pw) != f.password {
		return api.ErrAuthenticationFailed
	}
	return nil
}

func newGate(t *testing.T, slc api.SLC) (*Gate, *ecdsa.PrivateKey) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	ks, err := keystore.New(0xdeadbeef,
		&keystore.Key{ID: activeKey, Kind: keystore.KindPrime256v1, Public: priv.Public()},
		&keystore.Key{ID: revokedKey, Kind: keystore.KindPrime256v1, Public: priv.Public()},
	)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}

	f := &fakeFuses{slc: slc, revoked: map[uint32]bool{revokedKey: true}, password: "hunter2"}

	return New(f, ks, testDevice), priv
}

func token(t *testing.T, priv *ecdsa.PrivateKey, s string) []byte {
	t.Helper()

	digest := sha256.Sum256([]byte(s))

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}

	return sig
}

func TestAllow(t *testing.T) {
	for _, test := range []struct {
		slc           api.SLC
		authenticated bool
		op            api.Opcode
		want          bool
	}{
		{api.SLCNotConfigured, false, api.OpStreamWriteBuffer, true},
		{api.SLCConfiguration, false, api.OpSLCSetConfigurationLock, true},
		{api.SLCConfigurationLocked, false, api.OpStreamWriteBuffer, false},
		{api.SLCConfigurationLocked, false, api.OpBootRAM, false},
		{api.SLCConfigurationLocked, false, api.OpDeviceIdentifierRead, true},
		{api.SLCConfigurationLocked, false, api.OpAuthenticate, true},
		{api.SLCConfigurationLocked, true, api.OpStreamWriteBuffer, true},
		{api.SLCEOL, false, api.OpSLCRead, true},
		{api.SLCEOL, false, api.OpDeviceReset, false},
	} {
		g, _ := newGate(t, test.slc)
		g.authenticated = test.authenticated

		got, err := g.Allow(test.op)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if got != test.want {
			t.Errorf("Allow(%v) in %v (authenticated %t) = %t, want %t", test.op, test.slc, test.authenticated, got, test.want)
		}
	}
}

func TestTokenAuthentication(t *testing.T) {
	g, priv := newGate(t, api.SLCConfigurationLocked)

	for _, test := range []struct {
		name  string
		keyID uint32
		sig   []byte
		want  error
	}{
		{name: "other device", keyID: activeKey, sig: token(t, priv, uuid.New().String()), want: api.ErrAuthenticationFailed},
		{name: "uppercase uuid", keyID: activeKey, sig: token(t, priv, "2AF755D8-8DE5-45D5-A862-014CFA735CE0"), want: api.ErrAuthenticationFailed},
		{name: "revoked key", keyID: revokedKey, sig: token(t, priv, testDevice.String()), want: api.ErrKeyRevoked},
		{name: "unknown key", keyID: 0x1234, sig: token(t, priv, testDevice.String()), want: api.ErrAuthenticationFailed},
		{name: "garbage", keyID: activeKey, sig: []byte{1, 2, 3}, want: api.ErrAuthenticationFailed},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := g.Authenticate(api.AuthToken, test.keyID, test.sig); !errors.Is(err, test.want) {
				t.Fatalf("Authenticate: got %v, want %v", err, test.want)
			}
			if g.Authenticated() {
				t.Fatalf("Failed authentication left the session authenticated")
			}
		})
	}

	if err := g.Authenticate(api.AuthToken, activeKey, token(t, priv, testDevice.String())); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	st, err := g.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != LockedAuthenticated {
		t.Fatalf("State = %v, want %v", st, LockedAuthenticated)
	}

	// a later failure keeps the earlier authentication
	if err := g.Authenticate(api.AuthToken, activeKey, []byte{0}); err == nil {
		t.Fatalf("Authenticate with garbage succeeded")
	}
	if !g.Authenticated() {
		t.Fatalf("Failed attempt dropped the authentication")
	}

	g.Reset()
	if g.Authenticated() {
		t.Fatalf("Reset kept the authentication")
	}
}

func TestTokenWithoutKeystore(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	g := New(&fakeFuses{slc: api.SLCConfigurationLocked}, nil, testDevice)

	if err := g.Authenticate(api.AuthToken, activeKey, token(t, priv, testDevice.String())); !errors.Is(err, api.ErrAuthenticationFailed) {
		t.Fatalf("Authenticate: got %v, want ErrAuthenticationFailed", err)
	}
	if g.Authenticated() {
		t.Fatalf("Authenticated without a keystore")
	}
}

func TestPasswordAuthentication(t *testing.T) {
	g, _ := newGate(t, api.SLCConfigurationLocked)

	if err := g.Authenticate(api.AuthPassword, 0, []byte("hunter3")); !errors.Is(err, api.ErrAuthenticationFailed) {
		t.Fatalf("Authenticate: got %v, want ErrAuthenticationFailed", err)
	}
	if err := g.Authenticate(api.AuthPassword, 0, []byte("hunter2")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestMethods(t *testing.T) {
	ks, _ := keystore.New(1)
	g := New(&fakeFuses{slc: api.SLCConfigurationLocked, password: "pw"}, ks, testDevice, api.AuthToken)

	for _, m := range []api.AuthMethod{api.AuthPassword, api.AuthInvalid, 7} {
		if err := g.Authenticate(m, 0, []byte("pw")); !errors.Is(err, api.ErrNotSupported) {
			t.Errorf("Authenticate(%v): got %v, want ErrNotSupported", m, err)
		}
	}
}

func TestState(t *testing.T) {
	for _, test := range []struct {
		slc  api.SLC
		want State
	}{
		{api.SLCNotConfigured, Unconfigured},
		{api.SLCConfiguration, Open},
		{api.SLCConfigurationLocked, LockedUnauthenticated},
		{api.SLCEOL, LockedUnauthenticated},
	} {
		g, _ := newGate(t, test.slc)
		if got, err := g.State(); err != nil || got != test.want {
			t.Errorf("State in %v = %v, %v; want %v", test.slc, got, err, test.want)
		}
	}
}
