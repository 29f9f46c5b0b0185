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

package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
)

func pemFor(t *testing.T, pub crypto.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestVerify(t *testing.T) {
	for _, test := range []struct {
		name     string
		curve    elliptic.Curve
		wantKind Kind
		wantHash hash.Algorithm
	}{
		{"p256", elliptic.P256(), KindPrime256v1, hash.SHA256},
		{"p384", elliptic.P384(), KindSecp384r1, hash.SHA384},
		{"p521", elliptic.P521(), KindSecp521r1, hash.SHA512},
	} {
		t.Run(test.name, func(t *testing.T) {
			priv, err := ecdsa.GenerateKey(test.curve, rand.Reader)
			if err != nil {
				t.Fatalf("GenerateKey: %v", err)
			}

			k, err := ParsePEM(0xa90f9680, pemFor(t, priv.Public()))
			if err != nil {
				t.Fatalf("ParsePEM: %v", err)
			}
			if k.Kind != test.wantKind || k.Kind.Hash() != test.wantHash {
				t.Fatalf("Got kind %v hash %v, want %v %v", k.Kind, k.Kind.Hash(), test.wantKind, test.wantHash)
			}

			digest, err := hash.Sum(k.Kind.Hash(), []byte("2af755d8-8de5-45d5-a862-014cfa735ce0"))
			if err != nil {
				t.Fatalf("Sum: %v", err)
			}
			sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
			if err != nil {
				t.Fatalf("SignASN1: %v", err)
			}

			if err := k.Verify(k.Kind.Hash(), digest, sig); err != nil {
				t.Fatalf("Verify: %v", err)
			}

			digest[0] ^= 1
			if err := k.Verify(k.Kind.Hash(), digest, sig); !errors.Is(err, api.ErrSignature) {
				t.Fatalf("Verify of modified digest: got %v, want ErrSignature", err)
			}
		})
	}
}

func TestVerifyRSA(t *testing.T) {
	if testing.Short() {
		t.Skip("RSA 4096 key generation is slow")
	}

	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	k, err := ParsePEM(1, pemFor(t, priv.Public()))
	if err != nil {
		t.Fatalf("ParsePEM: %v", err)
	}
	if k.Kind != KindRSA4096 {
		t.Fatalf("Got kind %v", k.Kind)
	}

	digest, _ := hash.Sum(hash.SHA256, []byte("device"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	if err := k.Verify(hash.SHA256, digest, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sig[10] ^= 1
	if err := k.Verify(hash.SHA256, digest, sig); !errors.Is(err, api.ErrSignature) {
		t.Fatalf("Verify of modified signature: got %v", err)
	}
}

func TestKeystore(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	if _, err := ParsePEM(1, []byte("not a key")); err == nil {
		t.Fatalf("ParsePEM accepted garbage")
	}

	small, _ := rsa.GenerateKey(rand.Reader, 1024)
	if _, err := ParsePEM(1, pemFor(t, small.Public())); err == nil {
		t.Fatalf("ParsePEM accepted a 1024 bit RSA key")
	}

	a := &Key{ID: 1, Kind: KindPrime256v1, Public: priv.Public()}
	b := &Key{ID: 2, Kind: KindPrime256v1, Public: priv.Public()}

	if _, err := New(7, a, a); err == nil {
		t.Fatalf("New accepted duplicate ids")
	}

	ks, err := New(7, a, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if k, err := ks.Key(2); err != nil || k != b {
		t.Fatalf("Key(2) = %v, %v", k, err)
	}
	if _, err := ks.Key(3); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("Key(3): got %v, want ErrNotFound", err)
	}

	var none *Keystore
	if _, err := none.Key(1); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("nil Keystore Key(1): got %v, want ErrNotFound", err)
	}
	if ids := none.IDs(); len(ids) != 0 {
		t.Fatalf("nil Keystore IDs() = %v", ids)
	}
}
