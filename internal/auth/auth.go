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

// Package auth gates commands on the security life cycle and the session
// authentication state.
package auth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
)

// MaxCredentialSize bounds the credential data phase.
const MaxCredentialSize = 1024

// Fuses provides the life cycle, key revocation and password state.
type Fuses interface {
	SLC() (api.SLC, error)
	KeyActive(id uint32) (bool, error)
	CheckPassword(pw []byte) error
}

// State is the gate state derived from the life cycle and the session.
type State int

const (
	Unconfigured State = iota
	Open
	LockedUnauthenticated
	LockedAuthenticated
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Open:
		return "open"
	case LockedUnauthenticated:
		return "locked, unauthenticated"
	case LockedAuthenticated:
		return "locked, authenticated"
	}
	return "invalid"
}

// Gate holds the authentication state of a command session.
type Gate struct {
	fuses   Fuses
	keys    *keystore.Keystore
	device  uuid.UUID
	methods map[api.AuthMethod]bool

	authenticated bool
}

// New returns a gate for device accepting the given methods, all methods
// when none are given.
func New(fuses Fuses, keys *keystore.Keystore, device uuid.UUID, methods ...api.AuthMethod) *Gate {
	if len(methods) == 0 {
		methods = []api.AuthMethod{api.AuthToken, api.AuthPassword}
	}

	g := &Gate{
		fuses:   fuses,
		keys:    keys,
		device:  device,
		methods: make(map[api.AuthMethod]bool),
	}

	for _, m := range methods {
		g.methods[m] = true
	}

	return g
}

// Reset drops the authentication, on transport reconnect.
func (g *Gate) Reset() {
	if g.authenticated {
		klog.Infof("PB session authentication dropped")
	}
	g.authenticated = false
}

// Authenticated reports whether the session has authenticated.
func (g *Gate) Authenticated() bool {
	return g.authenticated
}

// State returns the gate state.
func (g *Gate) State() (State, error) {
	slc, err := g.fuses.SLC()
	if err != nil {
		return Unconfigured, err
	}

	switch {
	case !slc.Locked() && slc >= api.SLCConfiguration:
		return Open, nil
	case !slc.Locked():
		return Unconfigured, nil
	case g.authenticated:
		return LockedAuthenticated, nil
	}

	return LockedUnauthenticated, nil
}

// Allow reports whether op may run now.
func (g *Gate) Allow(op api.Opcode) (bool, error) {
	if !op.RequiresAuth() || g.authenticated {
		return true, nil
	}

	slc, err := g.fuses.SLC()
	if err != nil {
		return false, err
	}

	return !slc.Locked(), nil
}

// Authenticate checks a credential and marks the session authenticated on
// success. A failure leaves the state unchanged.
func (g *Gate) Authenticate(method api.AuthMethod, keyID uint32, credential []byte) error {
	if !g.methods[method] {
		return fmt.Errorf("%w: authentication method %v", api.ErrNotSupported, method)
	}

	var err error

	switch method {
	case api.AuthToken:
		err = g.token(keyID, credential)
	case api.AuthPassword:
		err = g.fuses.CheckPassword(credential)
	}

	if err != nil {
		klog.Warningf("PB %v authentication failed: %v", method, err)
		return err
	}

	klog.Infof("PB %v authentication successful", method)
	g.authenticated = true

	return nil
}

// token verifies a signature over the textual device uuid.
func (g *Gate) token(keyID uint32, sig []byte) error {
	active, err := g.fuses.KeyActive(keyID)
	if err != nil {
		return err
	}

	if !active {
		return fmt.Errorf("%w: key %#08x", api.ErrKeyRevoked, keyID)
	}

	k, err := g.keys.Key(keyID)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrAuthenticationFailed, err)
	}

	alg := k.Kind.Hash()

	digest, err := hash.Sum(alg, []byte(g.device.String()))
	if err != nil {
		return err
	}

	if err = k.Verify(alg, digest, sig); err != nil {
		if errors.Is(err, api.ErrSignature) {
			return fmt.Errorf("%w: %v", api.ErrAuthenticationFailed, err)
		}
		return err
	}

	return nil
}
