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

package blockdev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"k8s.io/klog/v2"
)

// blockPrefix namespaces block keys within the database.
var blockPrefix = []byte("blk/")

// Sparse is a block device which only stores blocks holding non-zero data,
// in a badger key/value database. It can claim a large capacity while only
// using disk space for written blocks.
//
// Blocks which have never been written, or were written with zeroes, read as
// zero.
type Sparse struct {
	db        *badger.DB
	blockSize uint
	numBlocks uint64
}

// OpenSparse opens the database at dir, an empty dir selects an in-memory
// database.
func OpenSparse(dir string, blockSize uint, numBlocks uint64) (*Sparse, error) {
	opts := badger.DefaultOptions(dir).WithLogger(klogger{})

	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open block database: %v", err)
	}

	klog.Infof("PB sparse device %q: %d blocks of %d bytes", dir, numBlocks, blockSize)

	return &Sparse{db: db, blockSize: blockSize, numBlocks: numBlocks}, nil
}

func blockKey(lba uint64) []byte {
	k := make([]byte, len(blockPrefix)+8)
	copy(k, blockPrefix)
	binary.BigEndian.PutUint64(k[len(blockPrefix):], lba)
	return k
}

func (d *Sparse) BlockSize() uint {
	return d.blockSize
}

func (d *Sparse) NumBlocks() uint64 {
	return d.numBlocks
}

func (d *Sparse) blocks(lba uint64, b []byte) (uint64, error) {
	bs := uint64(d.blockSize)

	if uint64(len(b))%bs != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of %d", len(b), bs)
	}

	n := uint64(len(b)) / bs

	if lba+n > d.numBlocks {
		return 0, fmt.Errorf("lba (%d) + %d blocks > device blocks (%d)", lba, n, d.numBlocks)
	}

	return n, nil
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
// starting at the given block address.
func (d *Sparse) ReadBlocks(lba uint64, b []byte) error {
	n, err := d.blocks(lba, b)
	if err != nil {
		return err
	}

	bs := uint64(d.blockSize)

	return d.db.View(func(txn *badger.Txn) error {
		for i := uint64(0); i < n; i++ {
			dst := b[i*bs : (i+1)*bs]

			item, err := txn.Get(blockKey(lba + i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				clear(dst)
				continue
			} else if err != nil {
				return err
			}

			if err = item.Value(func(v []byte) error {
				copy(dst, v)
				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
// starting at the given block address.
func (d *Sparse) WriteBlocks(lba uint64, b []byte) error {
	n, err := d.blocks(lba, b)
	if err != nil {
		return err
	}

	bs := uint64(d.blockSize)
	zero := make([]byte, bs)

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	for i := uint64(0); i < n; i++ {
		src := b[i*bs : (i+1)*bs]

		if bytes.Equal(src, zero) {
			err = wb.Delete(blockKey(lba + i))
		} else {
			err = wb.Set(blockKey(lba+i), bytes.Clone(src))
		}

		if err != nil {
			return err
		}
	}

	return wb.Flush()
}

// Used returns the number of blocks holding data.
func (d *Sparse) Used() (n uint64, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = blockPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}

		return nil
	})

	return
}

// Close releases the database.
func (d *Sparse) Close() error {
	return d.db.Close()
}

// klogger routes badger messages to klog.
type klogger struct{}

func (klogger) Errorf(f string, v ...interface{}) {
	klog.Errorf("badger: "+f, v...)
}

func (klogger) Warningf(f string, v ...interface{}) {
	klog.Warningf("badger: "+f, v...)
}

func (klogger) Infof(f string, v ...interface{}) {
	klog.V(2).Infof("badger: "+f, v...)
}

func (klogger) Debugf(f string, v ...interface{}) {
	klog.V(4).Infof("badger: "+f, v...)
}
