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

// Package hash implements the incremental hash engine used for partition
// verification, image loading and token authentication.
package hash

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	gohash "hash"

	"github.com/transparency-dev/armored-punchboot/api"
)

// Algorithm identifies a digest, values match the image header hash kinds.
type Algorithm uint8

const (
	Invalid Algorithm = iota
	SHA256
	SHA384
	SHA512
)

var algorithms = map[Algorithm]crypto.Hash{
	SHA256: crypto.SHA256,
	SHA384: crypto.SHA384,
	SHA512: crypto.SHA512,
}

// Crypto returns the crypto.Hash for a, zero when a is unknown.
func (a Algorithm) Crypto() crypto.Hash {
	return algorithms[a]
}

// Size returns the digest size in bytes.
func (a Algorithm) Size() int {
	if h, ok := algorithms[a]; ok {
		return h.Size()
	}
	return 0
}

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	}
	return fmt.Sprintf("invalid(%d)", uint8(a))
}

type state int

const (
	idle state = iota
	running
)

// Context is a single hash computation, it can be reused once finalized.
// A Context is not safe for concurrent use.
type Context struct {
	alg   Algorithm
	h     gohash.Hash
	state state
}

// Init starts a new computation, any unfinished one is discarded.
func (c *Context) Init(a Algorithm) error {
	h, ok := algorithms[a]
	if !ok {
		return fmt.Errorf("%w: hash algorithm %v", api.ErrInvalidArgument, a)
	}

	c.alg = a
	c.h = h.New()
	c.state = running

	return nil
}

// Update feeds b into the running computation.
func (c *Context) Update(b []byte) error {
	if c.state != running {
		return fmt.Errorf("%w: hash update without init", api.ErrGeneric)
	}

	_, _ = c.h.Write(b)

	return nil
}

// Final returns the digest and ends the computation.
func (c *Context) Final() ([]byte, error) {
	if c.state != running {
		return nil, fmt.Errorf("%w: hash finalized without init", api.ErrGeneric)
	}

	c.state = idle

	return c.h.Sum(nil), nil
}

// Algorithm returns the algorithm of the last Init.
func (c *Context) Algorithm() Algorithm {
	return c.alg
}

// Sum returns the digest of data.
func Sum(a Algorithm, data ...[]byte) ([]byte, error) {
	var c Context

	if err := c.Init(a); err != nil {
		return nil, err
	}

	for _, b := range data {
		if err := c.Update(b); err != nil {
			return nil, err
		}
	}

	return c.Final()
}
