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

package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
)

const (
	// tableMagic marks an installed table record ("PTBL").
	tableMagic = 0x5054424c
	// tableLBA is the device block holding the installed table record.
	tableLBA = 0
)

// tableRecord persists the installed table variant of a driver.
type tableRecord struct {
	Magic   uint32
	Variant uint8
	_       [3]byte
	Entries uint32
	CRC     uint32
}

func (r *tableRecord) checksum() uint32 {
	c := *r
	c.CRC = 0

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, &c)

	return crc32.ChecksumIEEE(buf.Bytes())
}

// tableHeaderBlocks returns the number of blocks reserved at the start of a
// device for the table record.
func tableHeaderBlocks(blockSize uint) uint64 {
	return uint64((binary.Size(tableRecord{}) + int(blockSize) - 1) / int(blockSize))
}

// validateMaps checks a set of partitions against a device of n blocks.
// Partitions other than whole-disk maps must not overlap and must not use
// the first reserved blocks.
func validateMaps(parts []Partition, n uint64, reserved uint64) error {
	seen := make(map[uuid.UUID]bool)

	var spans []*Partition

	for i := range parts {
		p := &parts[i]

		switch {
		case p.UUID == uuid.Nil:
			return errors.New("partition without uuid")
		case seen[p.UUID]:
			return fmt.Errorf("duplicate partition %s", p.UUID)
		case p.LastBlock < p.FirstBlock:
			return fmt.Errorf("%s: last block %d before first block %d", p.UUID, p.LastBlock, p.FirstBlock)
		case p.LastBlock >= n:
			return fmt.Errorf("%s: last block %d beyond device end (%d blocks)", p.UUID, p.LastBlock, n)
		case len(p.Description) > api.DescriptionLength-1:
			return fmt.Errorf("%s: description longer than %d bytes", p.UUID, api.DescriptionLength-1)
		}

		seen[p.UUID] = true

		if p.Flags&FlagDiskMap != 0 {
			continue
		}

		if p.FirstBlock < reserved {
			return fmt.Errorf("%s: overlaps table record blocks [0, %d)", p.UUID, reserved)
		}

		spans = append(spans, p)
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].FirstBlock < spans[j].FirstBlock })

	for i := 1; i < len(spans); i++ {
		if spans[i].FirstBlock <= spans[i-1].LastBlock {
			return fmt.Errorf("%s overlaps %s", spans[i].UUID, spans[i-1].UUID)
		}
	}

	return nil
}

// Variants returns the number of installable table variants.
func (d *Driver) Variants() int {
	return len(d.variants)
}

// Installed returns the installed table variant, or -1.
func (d *Driver) Installed() int {
	return d.installed
}

// Load maps the table variant recorded on the device, if any.
func (d *Driver) Load() error {
	if len(d.variants) == 0 {
		return nil
	}

	buf := make([]byte, tableHeaderBlocks(d.BlockSize())*uint64(d.BlockSize()))

	if err := d.dev.ReadBlocks(tableLBA, buf); err != nil {
		return fmt.Errorf("%w: %s table read: %v", api.ErrIO, d.Name, err)
	}

	r := &tableRecord{}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, r); err != nil {
		return err
	}

	switch {
	case r.Magic != tableMagic:
		klog.Infof("PB %s has no partition table installed", d.Name)
		return nil
	case r.CRC != r.checksum():
		klog.Warningf("PB %s partition table record corrupt", d.Name)
		return nil
	case int(r.Variant) >= len(d.variants) || int(r.Entries) != len(d.variants[r.Variant]):
		klog.Warningf("PB %s partition table variant %d does not match configuration", d.Name, r.Variant)
		return nil
	}

	d.installed = int(r.Variant)
	d.remap()

	klog.Infof("PB %s partition table variant %d loaded (%d maps)", d.Name, d.installed, len(d.maps))

	return nil
}

// Install records and maps table variant v.
func (d *Driver) Install(v int) error {
	if v < 0 || v >= len(d.variants) {
		return fmt.Errorf("%w: %s has no table variant %d", api.ErrInvalidArgument, d.Name, v)
	}

	r := &tableRecord{
		Magic:   tableMagic,
		Variant: uint8(v),
		Entries: uint32(len(d.variants[v])),
	}
	r.CRC = r.checksum()

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, r)

	block := make([]byte, tableHeaderBlocks(d.BlockSize())*uint64(d.BlockSize()))
	copy(block, buf.Bytes())

	if err := d.dev.WriteBlocks(tableLBA, block); err != nil {
		return fmt.Errorf("%w: %s table write: %v", api.ErrIO, d.Name, err)
	}

	d.installed = v
	d.remap()

	klog.Infof("PB %s partition table variant %d installed", d.Name, v)

	return nil
}

// Storage is the registry of storage drivers, in registration order.
type Storage struct {
	drivers []*Driver
}

// New returns a registry of the given drivers.
func New(drivers ...*Driver) *Storage {
	return &Storage{drivers: drivers}
}

// Drivers returns the registered drivers.
func (s *Storage) Drivers() []*Driver {
	return s.drivers
}

// Load maps the recorded tables of all drivers.
func (s *Storage) Load() error {
	for _, d := range s.drivers {
		if err := d.Load(); err != nil {
			return err
		}
	}
	return nil
}

// Part resolves a partition uuid to its map and driver.
func (s *Storage) Part(id uuid.UUID) (*Partition, *Driver, error) {
	for _, d := range s.drivers {
		for _, p := range d.maps {
			if p.UUID == id {
				return p, d, nil
			}
		}
	}

	return nil, nil, fmt.Errorf("%w: partition %s", api.ErrNotFound, id)
}

// Install installs table variant v on the driver identified by id, the nil
// uuid selects every driver with installable tables.
func (s *Storage) Install(id uuid.UUID, v int) error {
	if id == uuid.Nil {
		n := 0

		for _, d := range s.drivers {
			if d.Variants() == 0 {
				continue
			}

			if err := d.Install(v); err != nil {
				return err
			}

			n++
		}

		if n == 0 {
			return fmt.Errorf("%w: no driver has installable tables", api.ErrNotSupported)
		}

		return nil
	}

	for _, d := range s.drivers {
		if d.UUID == id {
			return d.Install(v)
		}
	}

	return fmt.Errorf("%w: storage driver %s", api.ErrNotFound, id)
}

// Table lists the visible partitions of all drivers, drivers in
// registration order and partitions in physical order. More than max
// visible partitions is an error.
func (s *Storage) Table(max int) ([]api.PartitionEntry, error) {
	var entries []api.PartitionEntry

	for _, d := range s.drivers {
		maps := append([]*Partition{}, d.maps...)
		sort.SliceStable(maps, func(i, j int) bool { return maps[i].FirstBlock < maps[j].FirstBlock })

		for _, p := range maps {
			if !p.Has(FlagVisible) {
				continue
			}

			if len(entries) == max {
				return nil, fmt.Errorf("%w: more than %d visible partitions", api.ErrNoMemory, max)
			}

			e := api.PartitionEntry{
				UUID:       p.UUID,
				FirstBlock: p.FirstBlock,
				LastBlock:  p.LastBlock,
				BlockSize:  uint16(d.BlockSize()),
				Flags:      uint8(p.Flags & 0xff),
			}
			e.SetDescription(p.Description)

			entries = append(entries, e)
		}
	}

	return entries, nil
}
