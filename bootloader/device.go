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


package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/blockdev"
	"github.com/transparency-dev/armored-punchboot/internal/board"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/fuse"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
	"github.com/transparency-dev/armored-punchboot/internal/transport"
	"github.com/transparency-dev/armored-punchboot/rpmb"
)

// RPMB sector layout
const (
	rpmbDummySector   = 0
	rpmbVersionSector = 1
	rpmbFuseFirst     = 2
	rpmbFuseSectors   = 4
)

// device holds the collaborators of one bootloader run.
type device struct {
	storage     *storage.Storage
	keys        *keystore.Keystore
	fuses       *fuse.Fuses
	state       *boot.State
	boot        *boot.Boot
	board       *board.Simulated
	socket      *transport.Socket
	authMethods []api.AuthMethod

	closers []io.Closer
}

// Close releases the block devices and the control socket.
func (d *device) Close() error {
	var errs []error

	if d.socket != nil {
		errs = append(errs, d.socket.Shutdown())
	}

	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}

type blockDevice interface {
	storage.BlockDevice
	io.Closer
}

func openBlockDevice(c *DeviceConfig) (blockDevice, error) {
	if c.Backend == "badger" {
		return blockdev.OpenSparse(c.Path, c.BlockSize, c.Blocks)
	}

	return blockdev.OpenFile(c.Path, c.BlockSize, c.Blocks)
}

func openKeystore(c *KeystoreConfig) (*keystore.Keystore, error) {
	var keys []*keystore.Key

	for _, k := range c.Keys {
		b, err := os.ReadFile(k.File)
		if err != nil {
			return nil, err
		}

		key, err := keystore.ParsePEM(k.ID, b)
		if err != nil {
			return nil, fmt.Errorf("key %#08x: %v", k.ID, err)
		}

		keys = append(keys, key)
	}

	return keystore.New(c.ID, keys...)
}

// open brings up the device described by cfg.
func open(cfg *Config, version *semver.Version, reason string) (_ *device, err error) {
	d := &device{}

	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	var drivers []*storage.Driver

	for i := range cfg.Storage {
		c := &cfg.Storage[i]

		dev, err := openBlockDevice(c)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %v", c.Name, err)
		}
		d.closers = append(d.closers, dev)

		static, err := partitions(c.Partitions)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %v", c.Name, err)
		}

		var variants [][]storage.Partition

		for _, v := range c.Variants {
			parts, err := partitions(v)
			if err != nil {
				return nil, fmt.Errorf("storage %s: %v", c.Name, err)
			}
			variants = append(variants, parts)
		}

		drv, err := storage.NewDriver(c.UUID, c.Name, dev, static, variants...)
		if err != nil {
			return nil, err
		}

		drivers = append(drivers, drv)
	}

	d.storage = storage.New(drivers...)

	if err = d.storage.Load(); err != nil {
		return nil, err
	}

	if d.keys, err = openKeystore(&cfg.Keystore); err != nil {
		return nil, fmt.Errorf("keystore: %v", err)
	}

	card, err := rpmb.NewEmulated(cfg.RPMB.Path, cfg.RPMB.Sectors)
	if err != nil {
		return nil, err
	}

	r, err := rpmb.Open(card, rpmb.DeriveKey([]byte(cfg.Secret), cfg.DeviceUUID[:]), rpmbDummySector)
	if err != nil {
		return nil, err
	}

	klog.Infof("SM version verification (%s)", version)

	if err = r.CheckVersion(rpmbVersionSector, version); err != nil {
		return nil, fmt.Errorf("firmware rollback check failure: %w", err)
	}

	if d.fuses, err = fuse.Open(r, rpmbFuseFirst, rpmbFuseSectors, cfg.DeviceUUID, d.keys.IDs()); err != nil {
		return nil, err
	}

	rollback := boot.RollbackNormal
	if cfg.BootState.Speculative {
		rollback = boot.RollbackSpeculative
	}

	d.state, err = boot.OpenState(d.storage, boot.StateConfig{
		Primary:  cfg.BootState.Primary,
		Backup:   cfg.BootState.Backup,
		SystemA:  cfg.BootState.SystemA,
		SystemB:  cfg.BootState.SystemB,
		Rollback: rollback,
	})
	if err != nil {
		return nil, err
	}

	if d.board, err = board.NewSimulated(cfg.Board.Name, reason, d.fuses, d.state); err != nil {
		return nil, err
	}

	chunk := int(cfg.Stream.ChunkTransferMax)
	if chunk == 0 {
		chunk = cfg.Stream.BufferSize
	}

	d.boot = boot.New(boot.NewLoader(d.keys, d.fuses, chunk, cfg.Reserved...), d.state, d.storage)

	if d.authMethods, err = authMethods(cfg.Transport.AuthMethods); err != nil {
		return nil, err
	}

	d.socket = transport.NewSocket(cfg.Transport.Network, cfg.Transport.Address)

	if err = d.socket.Init(); err != nil {
		d.socket = nil
		return nil, err
	}

	return d, nil
}
