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

// Package keystore holds the public keys trusted for image signatures and
// token authentication, and verifies signatures made with them.
package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
)

// Kind identifies the key algorithm.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRSA4096
	KindPrime256v1
	KindSecp384r1
	KindSecp521r1
)

func (k Kind) String() string {
	switch k {
	case KindRSA4096:
		return "rsa4096"
	case KindPrime256v1:
		return "prime256v1"
	case KindSecp384r1:
		return "secp384r1"
	case KindSecp521r1:
		return "secp521r1"
	}
	return "invalid"
}

// Hash returns the digest used with keys of kind k for token authentication.
func (k Kind) Hash() hash.Algorithm {
	switch k {
	case KindPrime256v1, KindRSA4096:
		return hash.SHA256
	case KindSecp384r1:
		return hash.SHA384
	case KindSecp521r1:
		return hash.SHA512
	}
	return hash.Invalid
}

// Key is a trusted public key.
type Key struct {
	ID     uint32
	Kind   Kind
	Public crypto.PublicKey
}

// Verify checks sig over digest, computed with alg. ECDSA signatures are
// ASN.1 DER encoded, RSA signatures are PKCS #1 v1.5.
func (k *Key) Verify(alg hash.Algorithm, digest, sig []byte) error {
	switch pub := k.Public.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return fmt.Errorf("%w: key %#08x", api.ErrSignature, k.ID)
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, alg.Crypto(), digest, sig); err != nil {
			return fmt.Errorf("%w: key %#08x: %v", api.ErrSignature, k.ID, err)
		}
	default:
		return fmt.Errorf("%w: key %#08x has unsupported type %T", api.ErrSignature, k.ID, k.Public)
	}

	return nil
}

// KindOf derives the key kind from a public key.
func KindOf(pub crypto.PublicKey) (Kind, error) {
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		switch p.Curve {
		case elliptic.P256():
			return KindPrime256v1, nil
		case elliptic.P384():
			return KindSecp384r1, nil
		case elliptic.P521():
			return KindSecp521r1, nil
		}
		return KindInvalid, fmt.Errorf("unsupported curve %s", p.Curve.Params().Name)
	case *rsa.PublicKey:
		if p.N.BitLen() != 4096 {
			return KindInvalid, fmt.Errorf("unsupported RSA key size %d", p.N.BitLen())
		}
		return KindRSA4096, nil
	}

	return KindInvalid, fmt.Errorf("unsupported key type %T", pub)
}

// ParsePEM parses a PKIX public key in PEM format.
func ParsePEM(id uint32, b []byte) (*Key, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	kind, err := KindOf(pub)
	if err != nil {
		return nil, fmt.Errorf("key %#08x: %v", id, err)
	}

	return &Key{ID: id, Kind: kind, Public: pub}, nil
}

// Keystore is an identified set of keys.
type Keystore struct {
	// ID binds images to this keystore.
	ID   uint32
	keys []*Key
}

// New returns a keystore, key ids must be unique.
func New(id uint32, keys ...*Key) (*Keystore, error) {
	seen := make(map[uint32]bool)

	for _, k := range keys {
		if seen[k.ID] {
			return nil, fmt.Errorf("duplicate key id %#08x", k.ID)
		}
		seen[k.ID] = true
	}

	return &Keystore{ID: id, keys: keys}, nil
}

// Key returns the key with the given id.
func (ks *Keystore) Key(id uint32) (*Key, error) {
	if ks == nil {
		return nil, fmt.Errorf("%w: key %#08x, no keystore", api.ErrNotFound, id)
	}

	for _, k := range ks.keys {
		if k.ID == id {
			return k, nil
		}
	}

	return nil, fmt.Errorf("%w: key %#08x", api.ErrNotFound, id)
}

// IDs returns the key ids in keystore order.
func (ks *Keystore) IDs() []uint32 {
	if ks == nil {
		return nil
	}

	ids := make([]uint32, 0, len(ks.keys))

	for _, k := range ks.keys {
		ids = append(ids, k.ID)
	}

	return ids
}
