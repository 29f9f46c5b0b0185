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
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

// Config describes the simulated device.
type Config struct {
	DeviceUUID uuid.UUID `yaml:"device_uuid"`
	// Secret diversifies the RPMB MAC key.
	Secret string `yaml:"secret"`

	Board     BoardConfig     `yaml:"board"`
	RPMB      RPMBConfig      `yaml:"rpmb"`
	Storage   []DeviceConfig  `yaml:"storage"`
	BootState BootStateConfig `yaml:"boot_state"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Reserved  []boot.Region   `yaml:"reserved"`
	Stream    StreamConfig    `yaml:"stream"`
	Transport TransportConfig `yaml:"transport"`
	Handoff   HandoffConfig   `yaml:"handoff"`

	MetricsAddr string `yaml:"metrics_addr"`
}

type BoardConfig struct {
	Name string `yaml:"name"`
}

type RPMBConfig struct {
	Path    string `yaml:"path"`
	Sectors int    `yaml:"sectors"`
}

// DeviceConfig is a storage driver and its partitions.
type DeviceConfig struct {
	UUID uuid.UUID `yaml:"uuid"`
	Name string    `yaml:"name"`
	// Backend is "file" or "badger".
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	BlockSize uint   `yaml:"block_size"`
	Blocks    uint64 `yaml:"blocks"`

	Partitions []PartitionConfig   `yaml:"partitions"`
	Variants   [][]PartitionConfig `yaml:"variants"`
}

type PartitionConfig struct {
	UUID        uuid.UUID `yaml:"uuid"`
	Description string    `yaml:"description"`
	First       uint64    `yaml:"first"`
	Last        uint64    `yaml:"last"`
	Flags       []string  `yaml:"flags"`
}

type BootStateConfig struct {
	Primary     uuid.UUID `yaml:"primary"`
	Backup      uuid.UUID `yaml:"backup"`
	SystemA     uuid.UUID `yaml:"system_a"`
	SystemB     uuid.UUID `yaml:"system_b"`
	Speculative bool      `yaml:"speculative_rollback"`
}

type KeystoreConfig struct {
	ID   uint32      `yaml:"id"`
	Keys []KeyConfig `yaml:"keys"`
}

type KeyConfig struct {
	ID   uint32 `yaml:"id"`
	File string `yaml:"file"`
}

type StreamConfig struct {
	BufferSize       int    `yaml:"buffer_size"`
	ChunkTransferMax uint32 `yaml:"chunk_transfer_max"`
}

type TransportConfig struct {
	Network          string        `yaml:"network"`
	Address          string        `yaml:"address"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	EraseTimeout     time.Duration `yaml:"erase_timeout"`
	// AuthMethods restricts authentication to "token" and/or "password".
	AuthMethods []string `yaml:"auth_methods"`
}

// HandoffConfig selects where booted images are dumped.
type HandoffConfig struct {
	Dir string `yaml:"dir"`
}

var flagNames = map[string]storage.Flags{
	"bootable":           storage.FlagBootable,
	"otp":                storage.FlagOTP,
	"writable":           storage.FlagWritable,
	"erase-before-write": storage.FlagEraseBeforeWrite,
	"disk-map":           storage.FlagDiskMap,
	"visible":            storage.FlagVisible,
	"readable":           storage.FlagReadable,
}

func parseFlags(names []string) (storage.Flags, error) {
	var f storage.Flags

	for _, n := range names {
		v, ok := flagNames[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown partition flag %q", n)
		}
		f |= v
	}

	return f, nil
}

func partitions(cfg []PartitionConfig) ([]storage.Partition, error) {
	parts := make([]storage.Partition, 0, len(cfg))

	for _, p := range cfg {
		flags, err := parseFlags(p.Flags)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", p.UUID, err)
		}

		parts = append(parts, storage.Partition{
			UUID:        p.UUID,
			Description: p.Description,
			FirstBlock:  p.First,
			LastBlock:   p.Last,
			Flags:       flags,
		})
	}

	return parts, nil
}

func authMethods(names []string) ([]api.AuthMethod, error) {
	var m []api.AuthMethod

	for _, n := range names {
		switch n {
		case "token":
			m = append(m, api.AuthToken)
		case "password":
			m = append(m, api.AuthPassword)
		default:
			return nil, fmt.Errorf("unknown authentication method %q", n)
		}
	}

	return m, nil
}

// defaults fills unset optional values.
func (c *Config) defaults() {
	if c.Board.Name == "" {
		c.Board.Name = "sim"
	}

	if c.RPMB.Sectors == 0 {
		c.RPMB.Sectors = 16
	}

	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 1 << 20
	}

	if c.Transport.Network == "" {
		c.Transport.Network = "tcp"
	}

	if c.Transport.Address == "" {
		c.Transport.Address = "127.0.0.1:8812"
	}

	for i := range c.Storage {
		if c.Storage[i].BlockSize == 0 {
			c.Storage[i].BlockSize = 512
		}
		if c.Storage[i].Backend == "" {
			c.Storage[i].Backend = "file"
		}
	}
}

func (c *Config) validate() error {
	switch {
	case c.DeviceUUID == uuid.Nil:
		return errors.New("device_uuid is required")
	case c.Secret == "":
		return errors.New("secret is required")
	case len(c.Storage) == 0:
		return errors.New("no storage configured")
	case c.BootState.Primary == uuid.Nil || c.BootState.Backup == uuid.Nil:
		return errors.New("boot_state needs primary and backup partitions")
	case c.BootState.SystemA == uuid.Nil || c.BootState.SystemB == uuid.Nil:
		return errors.New("boot_state needs system_a and system_b partitions")
	case c.RPMB.Sectors < rpmbFuseFirst+rpmbFuseSectors:
		return fmt.Errorf("rpmb needs at least %d sectors", rpmbFuseFirst+rpmbFuseSectors)
	}

	for _, d := range c.Storage {
		switch {
		case d.UUID == uuid.Nil:
			return fmt.Errorf("storage %q has no uuid", d.Name)
		case d.Path == "":
			return fmt.Errorf("storage %q has no path", d.Name)
		case d.Backend != "file" && d.Backend != "badger":
			return fmt.Errorf("storage %q: unknown backend %q", d.Name, d.Backend)
		case d.Blocks == 0:
			return fmt.Errorf("storage %q has no blocks", d.Name)
		}
	}

	if _, err := authMethods(c.Transport.AuthMethods); err != nil {
		return err
	}

	return nil
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseConfig(b)
}

// ParseConfig decodes and validates a YAML configuration.
func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	c.defaults()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	return c, nil
}
