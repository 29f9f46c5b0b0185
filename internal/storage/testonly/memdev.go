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

// Package testonly provides support for storage tests.
package testonly

import (
	"errors"
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// ErrInjected is returned by a MemDev with Fail set.
var ErrInjected = errors.New("injected device failure")

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// Writes counts WriteBlocks calls.
	Writes int
	// Fail makes every access return ErrInjected.
	Fail bool

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint64)
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// NumBlocks returns the number of blocks of the device.
func (md *MemDev) NumBlocks() uint64 {
	return uint64(len(md.Storage))
}

func (md *MemDev) check(lba uint64, b []byte) error {
	if md.Fail {
		return ErrInjected
	}
	if len(b)%MemBlockSize != 0 {
		return fmt.Errorf("length %d is not block aligned", len(b))
	}
	if n := uint64(len(b) / MemBlockSize); lba+n > md.NumBlocks() {
		return fmt.Errorf("blocks [%d, %d) beyond device end (%d)", lba, lba+n, len(md.Storage))
	}
	return nil
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint64, b []byte) error {
	if err := md.check(lba, b); err != nil {
		return err
	}
	for i := 0; i < len(b)/MemBlockSize; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+uint64(i)][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) WriteBlocks(lba uint64, b []byte) error {
	if err := md.check(lba, b); err != nil {
		return err
	}
	md.Writes++
	for i := 0; i < len(b)/MemBlockSize; i++ {
		copy(md.Storage[lba+uint64(i)][:], b[i*MemBlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + uint64(i))
		}
	}
	return nil
}

// Bytes returns a copy of count blocks starting at lba.
func (md *MemDev) Bytes(lba, count uint64) []byte {
	b := make([]byte, 0, count*MemBlockSize)
	for i := lba; i < lba+count; i++ {
		b = append(b, md.Storage[i][:]...)
	}
	return b
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint64) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}
