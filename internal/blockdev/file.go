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

// Package blockdev provides host backed block devices for the bootloader
// storage drivers.
package blockdev

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

// File is a block device backed by a regular file or a raw disk image.
type File struct {
	f         *os.File
	blockSize uint
	numBlocks uint64
}

// OpenFile opens (creating when needed) the image at path and extends it to
// numBlocks blocks of blockSize bytes.
func OpenFile(path string, blockSize uint, numBlocks uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	size := int64(numBlocks) * int64(blockSize)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() < size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}

	klog.Infof("PB file device %s: %d blocks of %d bytes", path, numBlocks, blockSize)

	return &File{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

func (d *File) BlockSize() uint {
	return d.blockSize
}

func (d *File) NumBlocks() uint64 {
	return d.numBlocks
}

func (d *File) span(lba uint64, b []byte) (int64, error) {
	bs := uint64(d.blockSize)

	if uint64(len(b))%bs != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of %d", len(b), bs)
	}

	if lba+uint64(len(b))/bs > d.numBlocks {
		return 0, fmt.Errorf("lba (%d) + %d blocks > device blocks (%d)", lba, uint64(len(b))/bs, d.numBlocks)
	}

	return int64(lba * bs), nil
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
// starting at the given block address.
func (d *File) ReadBlocks(lba uint64, b []byte) error {
	off, err := d.span(lba, b)
	if err != nil {
		return err
	}

	_, err = d.f.ReadAt(b, off)

	return err
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
// starting at the given block address.
func (d *File) WriteBlocks(lba uint64, b []byte) error {
	off, err := d.span(lba, b)
	if err != nil {
		return err
	}

	_, err = d.f.WriteAt(b, off)

	return err
}

// MapRequest has nothing to set up for files.
func (d *File) MapRequest(p *storage.Partition) error {
	return nil
}

// MapRelease flushes data streamed to p.
func (d *File) MapRelease(p *storage.Partition) error {
	klog.V(2).Infof("PB sync %s", p)
	return d.f.Sync()
}

// Close releases the underlying file.
func (d *File) Close() error {
	return d.f.Close()
}
