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

// Package storage maps partition uuids to block ranges of the underlying
// storage drivers and provides block granular access to them.
package storage

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
)

// Flags describes partition capabilities. The low byte is reported over the
// wire.
type Flags uint32

const (
	FlagBootable         Flags = api.PartFlagBootable
	FlagOTP              Flags = api.PartFlagOTP
	FlagWritable         Flags = api.PartFlagWritable
	FlagEraseBeforeWrite Flags = api.PartFlagEraseBeforeWrite
	// FlagDiskMap marks a map covering a whole device.
	FlagDiskMap Flags = 1 << 4
	// FlagVisible partitions are listed in table reads.
	FlagVisible Flags = 1 << 5
	// FlagReadable partitions may be dumped to the host.
	FlagReadable Flags = 1 << 6
)

// BlockDevice provides the device-specific read/write functionality.
type BlockDevice interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint
	// NumBlocks returns the number of blocks of the device.
	NumBlocks() uint64
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	ReadBlocks(lba uint64, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address.
	WriteBlocks(lba uint64, b []byte) error
}

// Mapper is implemented by devices which need to set up access to a
// partition before streaming to it and tear it down afterwards.
type Mapper interface {
	MapRequest(p *Partition) error
	MapRelease(p *Partition) error
}

// Partition describes a contiguous range of blocks on a driver.
type Partition struct {
	UUID        uuid.UUID
	Description string
	// FirstBlock and LastBlock are inclusive driver block addresses.
	FirstBlock uint64
	LastBlock  uint64
	Flags      Flags
}

// Blocks returns the number of blocks covered by the partition.
func (p *Partition) Blocks() uint64 {
	return p.LastBlock - p.FirstBlock + 1
}

// Has reports whether all of f are set.
func (p *Partition) Has(f Flags) bool {
	return p.Flags&f == f
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s (%s)", p.UUID, p.Description)
}

// Driver is a block device together with the partitions mapped onto it.
type Driver struct {
	// UUID identifies the driver for table installation.
	UUID uuid.UUID
	Name string

	dev BlockDevice

	// static maps are always present, variants are installable tables.
	static   []Partition
	variants [][]Partition

	installed int
	maps      []*Partition
}

// NewDriver returns a driver for dev. Static partitions are mapped
// immediately, installable table variants are validated but only mapped once
// installed.
func NewDriver(id uuid.UUID, name string, dev BlockDevice, static []Partition, variants ...[]Partition) (*Driver, error) {
	bs := dev.BlockSize()
	if bs == 0 || bs&(bs-1) != 0 || bs > 1<<15 {
		return nil, fmt.Errorf("%s: block size %d is not a power of two", name, bs)
	}

	d := &Driver{
		UUID:      id,
		Name:      name,
		dev:       dev,
		static:    static,
		variants:  variants,
		installed: -1,
	}

	if err := validateMaps(static, dev.NumBlocks(), 0); err != nil {
		return nil, fmt.Errorf("%s: static maps: %v", name, err)
	}

	for i, v := range variants {
		if err := validateMaps(append(append([]Partition{}, static...), v...), dev.NumBlocks(), tableHeaderBlocks(bs)); err != nil {
			return nil, fmt.Errorf("%s: table variant %d: %v", name, i, err)
		}
	}

	d.remap()

	return d, nil
}

// BlockSize returns the driver block size in bytes.
func (d *Driver) BlockSize() uint {
	return d.dev.BlockSize()
}

// NumBlocks returns the number of blocks of the driver.
func (d *Driver) NumBlocks() uint64 {
	return d.dev.NumBlocks()
}

// Device returns the underlying block device.
func (d *Driver) Device() BlockDevice {
	return d.dev
}

// Maps returns the partitions currently mapped, static maps first.
func (d *Driver) Maps() []*Partition {
	return d.maps
}

func (d *Driver) remap() {
	d.maps = d.maps[:0]

	for i := range d.static {
		d.maps = append(d.maps, &d.static[i])
	}

	if d.installed < 0 {
		return
	}

	for i := range d.variants[d.installed] {
		d.maps = append(d.maps, &d.variants[d.installed][i])
	}
}

// checkRange validates that blocks [offset, offset+count) lie within p.
func checkRange(p *Partition, offset, count uint64) error {
	if count == 0 {
		return nil
	}

	if offset >= p.Blocks() || count > p.Blocks()-offset {
		return fmt.Errorf("%w: blocks [%d, %d) outside of %s (%d blocks)", api.ErrInvalidArgument, offset, offset+count, p.UUID, p.Blocks())
	}

	return nil
}

// Blocks converts a byte length into a block count, b must be block aligned.
func (d *Driver) Blocks(n uint64) (uint64, error) {
	bs := uint64(d.BlockSize())

	if n%bs != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a multiple of the %d byte block size", api.ErrInvalidArgument, n, bs)
	}

	return n / bs, nil
}

// Read reads len(dst) bytes from p starting at block offset blockOffset
// within the partition.
func (d *Driver) Read(p *Partition, dst []byte, blockOffset uint64) error {
	count, err := d.Blocks(uint64(len(dst)))
	if err != nil {
		return err
	}

	if err = checkRange(p, blockOffset, count); err != nil {
		return err
	}

	if count == 0 {
		return nil
	}

	klog.V(3).Infof("PB read %d blocks @ %d from %s", count, blockOffset, p.UUID)

	if err = d.dev.ReadBlocks(p.FirstBlock+blockOffset, dst); err != nil {
		return fmt.Errorf("%w: %s read: %v", api.ErrIO, d.Name, err)
	}

	return nil
}

// Write writes src to p starting at block offset blockOffset within the
// partition.
func (d *Driver) Write(p *Partition, src []byte, blockOffset uint64) error {
	count, err := d.Blocks(uint64(len(src)))
	if err != nil {
		return err
	}

	if err = checkRange(p, blockOffset, count); err != nil {
		return err
	}

	if count == 0 {
		return nil
	}

	klog.V(3).Infof("PB write %d blocks @ %d to %s", count, blockOffset, p.UUID)

	if err = d.dev.WriteBlocks(p.FirstBlock+blockOffset, src); err != nil {
		return fmt.Errorf("%w: %s write: %v", api.ErrIO, d.Name, err)
	}

	return nil
}

// eraseBatch limits the size of the zero buffer used for erasing.
const eraseBatch = 2048

// Erase zeroes count blocks of p starting at block offset blockOffset.
func (d *Driver) Erase(p *Partition, blockOffset, count uint64) error {
	if err := checkRange(p, blockOffset, count); err != nil {
		return err
	}

	bs := uint64(d.BlockSize())
	batch := uint64(eraseBatch)
	zero := make([]byte, min(count, batch)*bs)

	// erase in batch to bound memory use
	for i := uint64(0); i < count; i += batch {
		if i+batch > count {
			batch = count - i
		}

		if err := d.Write(p, zero[:batch*bs], blockOffset+i); err != nil {
			return err
		}
	}

	klog.Infof("PB erased %d blocks @ %d of %s", count, blockOffset, p)

	return nil
}

// MapRequest prepares p for streaming when the device requires it.
func (d *Driver) MapRequest(p *Partition) error {
	if m, ok := d.dev.(Mapper); ok {
		return m.MapRequest(p)
	}
	return nil
}

// MapRelease releases resources acquired by MapRequest.
func (d *Driver) MapRelease(p *Partition) error {
	if m, ok := d.dev.(Mapper); ok {
		return m.MapRelease(p)
	}
	return nil
}
