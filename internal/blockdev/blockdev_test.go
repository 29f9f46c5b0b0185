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
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

const (
	testBlockSize = 512
	testBlocks    = 1 << 20
)

type device interface {
	storage.BlockDevice
	Close() error
}

func TestDevices(t *testing.T) {
	for _, test := range []struct {
		name string
		open func(t *testing.T) device
	}{
		{
			name: "file",
			open: func(t *testing.T) device {
				d, err := OpenFile(filepath.Join(t.TempDir(), "disk.img"), testBlockSize, 64)
				if err != nil {
					t.Fatalf("OpenFile: %v", err)
				}
				return d
			},
		}, {
			name: "sparse",
			open: func(t *testing.T) device {
				d, err := OpenSparse("", testBlockSize, testBlocks)
				if err != nil {
					t.Fatalf("OpenSparse: %v", err)
				}
				return d
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := test.open(t)
			defer d.Close()

			data := bytes.Repeat([]byte{1, 2, 3, 4}, testBlockSize)

			if err := d.WriteBlocks(10, data); err != nil {
				t.Fatalf("WriteBlocks: %v", err)
			}

			got := make([]byte, len(data)+2*testBlockSize)
			if err := d.ReadBlocks(9, got); err != nil {
				t.Fatalf("ReadBlocks: %v", err)
			}

			want := append(make([]byte, testBlockSize), data...)
			want = append(want, make([]byte, testBlockSize)...)

			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}

			if err := d.WriteBlocks(d.NumBlocks()-1, data); err == nil {
				t.Fatalf("Write past device end succeeded")
			}
			if err := d.ReadBlocks(0, data[:100]); err == nil {
				t.Fatalf("Unaligned read succeeded")
			}
		})
	}
}

func TestSparseZeroBlocksAreDropped(t *testing.T) {
	d, err := OpenSparse("", testBlockSize, testBlocks)
	if err != nil {
		t.Fatalf("OpenSparse: %v", err)
	}
	defer d.Close()

	data := bytes.Repeat([]byte{0xaa}, 4*testBlockSize)
	if err := d.WriteBlocks(testBlocks-4, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if n, err := d.Used(); err != nil || n != 4 {
		t.Fatalf("Used() = %d, %v, want 4", n, err)
	}

	if err := d.WriteBlocks(testBlocks-4, make([]byte, 2*testBlockSize)); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if n, err := d.Used(); err != nil || n != 2 {
		t.Fatalf("Used() = %d, %v, want 2", n, err)
	}
}

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := OpenFile(path, testBlockSize, 8)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	data := bytes.Repeat([]byte{0x42}, testBlockSize)
	if err := d.WriteBlocks(7, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if err := d.MapRelease(&storage.Partition{}); err != nil {
		t.Fatalf("MapRelease: %v", err)
	}
	d.Close()

	d, err = OpenFile(path, testBlockSize, 8)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer d.Close()

	got := make([]byte, testBlockSize)
	if err := d.ReadBlocks(7, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Block did not persist")
	}
}
