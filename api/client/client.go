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

// Package client implements the host side of the punchboot protocol.
package client

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
)

// Transport is a byte stream to a device.
type Transport interface {
	// Read fills buf.
	Read(buf []byte) error
	Write(buf []byte) error
	Close() error
}

// conn is a Transport over a network connection.
type conn struct {
	c net.Conn
}

// Dial connects to a device listening on address.
func Dial(network, address string) (Transport, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}

	return NewConn(c), nil
}

// NewConn returns a Transport over c.
func NewConn(c net.Conn) Transport {
	return &conn{c: c}
}

func (t *conn) Read(buf []byte) error {
	if _, err := io.ReadFull(t.c, buf); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransfer, err)
	}
	return nil
}

func (t *conn) Write(buf []byte) error {
	if _, err := t.c.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransfer, err)
	}
	return nil
}

func (t *conn) Close() error {
	return t.c.Close()
}

// Progress is called with the number of bytes moved by each transfer.
type Progress func(n int)

// Client issues commands to a single device. It is safe for concurrent use,
// commands are serialized.
type Client struct {
	mu sync.Mutex
	t  Transport

	caps *api.Caps
}

// New returns a client using t.
func New(t Transport) *Client {
	return &Client{t: t}
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.t.Close()
}

func (c *Client) send(cmd api.Command) error {
	return c.t.Write(api.EncodeCommand(cmd))
}

// result reads a result frame, unpacking its response into v when the
// result is OK and v is not nil.
func (c *Client) result(op api.Opcode, v any) error {
	frame := make([]byte, api.FrameSize)

	if err := c.t.Read(frame); err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}

	r, resp, err := api.DecodeResult(frame)
	if err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}

	if r != api.ResultOK {
		return fmt.Errorf("%v: %w", op, r.Err())
	}

	switch b := v.(type) {
	case nil:
		return nil
	case *[]byte:
		*b = append([]byte{}, resp...)
		return nil
	}

	return api.UnmarshalResponse(resp, v)
}

func (c *Client) exec(cmd api.Command, v any) error {
	if err := c.send(cmd); err != nil {
		return fmt.Errorf("%v: %w", cmd.Opcode(), err)
	}

	return c.result(cmd.Opcode(), v)
}

// upload runs cmd, then sends data after the intermediate result.
func (c *Client) upload(cmd api.Command, data []byte) error {
	if err := c.exec(cmd, nil); err != nil {
		return err
	}

	if err := c.t.Write(data); err != nil {
		return err
	}

	return c.result(cmd.Opcode(), nil)
}

// download runs cmd, unpacking its first result into v, and reads n()
// bytes of data followed by the final result. The final result follows
// empty data phases too.
func (c *Client) download(cmd api.Command, v any, n func() int) ([]byte, error) {
	if err := c.exec(cmd, v); err != nil {
		return nil, err
	}

	data := make([]byte, n())

	if len(data) > 0 {
		if err := c.t.Read(data); err != nil {
			return nil, err
		}
	}

	return data, c.result(cmd.Opcode(), nil)
}

// Version returns the bootloader version.
func (c *Client) Version() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp []byte

	if err := c.exec(&api.BootloaderVersionRead{}, &resp); err != nil {
		return "", err
	}

	return api.CString(resp), nil
}

// Reset reboots the device.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.DeviceReset{}, nil)
}

// Identifier returns the device uuid and board.
func (c *Client) Identifier() (*api.DeviceIdentifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := &api.DeviceIdentifier{}

	return id, c.exec(&api.DeviceIdentifierRead{}, id)
}

// Caps returns the device streaming capabilities.
func (c *Client) Caps() (*api.Caps, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.readCaps()
}

func (c *Client) readCaps() (*api.Caps, error) {
	if c.caps != nil {
		return c.caps, nil
	}

	caps := &api.Caps{}

	if err := c.exec(&api.DeviceReadCaps{}, caps); err != nil {
		return nil, err
	}

	if caps.NoOfBuffers == 0 || caps.BufferSize == 0 {
		return nil, fmt.Errorf("%w: device reports no stream buffers", api.ErrNotSupported)
	}

	c.caps = caps

	return caps, nil
}

// SLC returns the security life cycle and the key status.
func (c *Client) SLC() (api.SLC, *api.KeyStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &api.SLCResult{}

	data, err := c.download(&api.SLCRead{}, res, func() int { return 128 })
	if err != nil {
		return api.SLCInvalid, nil, err
	}

	keys := &api.KeyStatus{}

	return res.SLC, keys, api.UnmarshalResponse(data, keys)
}

// SetConfiguration moves the device to the configuration life cycle.
func (c *Client) SetConfiguration() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.SLCSetConfiguration{}, nil)
}

// SetConfigurationLock locks the device configuration.
func (c *Client) SetConfigurationLock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.SLCSetConfigurationLock{}, nil)
}

// SetEOL ends the device life.
func (c *Client) SetEOL() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.SLCSetEOL{}, nil)
}

// RevokeKey permanently revokes a signing key.
func (c *Client) RevokeKey(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.SLCRevokeKey{KeyID: id}, nil)
}

// Table returns the visible partitions.
func (c *Client) Table() ([]api.PartitionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &api.TableReadResult{}

	data, err := c.download(&api.PartTableRead{}, res, func() int { return int(res.NoOfEntries) * api.TableEntrySize })
	if err != nil {
		return nil, err
	}

	entries := make([]api.PartitionEntry, res.NoOfEntries)

	for i := range entries {
		if err = api.UnmarshalResponse(data[i*api.TableEntrySize:], &entries[i]); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// Part returns the table entry of partition id.
func (c *Client) Part(id uuid.UUID) (*api.PartitionEntry, error) {
	entries, err := c.Table()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].UUID == id {
			return &entries[i], nil
		}
	}

	return nil, fmt.Errorf("%w: partition %s", api.ErrNotFound, id)
}

// InstallTable installs a partition table variant, the nil driver uuid
// installs on every driver.
func (c *Client) InstallTable(driver uuid.UUID, variant uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.PartTableInstall{Driver: driver, Variant: variant}, nil)
}

// Verify checks the first size bytes of a partition against digest.
func (c *Client) Verify(id uuid.UUID, digest [32]byte, size uint32, bpak bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.PartVerify{Partition: id, SHA256: digest, Size: size, BPAK: bpak}, nil)
}

// Activate selects the partition to boot, the nil uuid disables booting.
func (c *Client) Activate(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.PartActivate{Partition: id}, nil)
}

// BPAK returns the image header stored in a partition.
func (c *Client) BPAK(id uuid.UUID) (*bpak.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.download(&api.PartBPAKRead{Partition: id}, nil, func() int { return bpak.HeaderSize })
	if err != nil {
		return nil, err
	}

	return bpak.Parse(data)
}

// Erase zeroes count blocks of a partition starting at block start.
func (c *Client) Erase(id uuid.UUID, start, count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.PartErase{Partition: id, StartLBA: start, BlockCount: count}, nil)
}

// Resize requests a partition resize, which devices no longer support.
func (c *Client) Resize(id uuid.UUID, blocks uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.PartResize{Partition: id, Blocks: blocks}, nil)
}

// Authenticate unlocks gated commands for the rest of the connection.
func (c *Client) Authenticate(method api.AuthMethod, keyID uint32, credential []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(credential) > 0xffff {
		return fmt.Errorf("%w: credential of %d bytes", api.ErrInvalidArgument, len(credential))
	}

	return c.upload(&api.Authenticate{Method: method, Size: uint16(len(credential)), KeyID: keyID}, credential)
}

// SetPassword sets the device OTP password.
func (c *Client) SetPassword(pw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pw) > 0xffff {
		return fmt.Errorf("%w: password of %d bytes", api.ErrInvalidArgument, len(pw))
	}

	return c.upload(&api.AuthSetOTPPassword{Size: uint16(len(pw))}, pw)
}

// BootPart boots the image of a partition, the nil uuid boots the active
// A/B slot. The device does not answer further commands on success.
func (c *Client) BootPart(id uuid.UUID, verbose bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exec(&api.BootPart{Partition: id, Verbose: verbose}, nil)
}

// BootStatus returns the active boot slot.
func (c *Client) BootStatus() (*api.BootStatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &api.BootStatusResult{}

	return st, c.exec(&api.BootStatus{}, st)
}

// sized reads the response of a board command: a result carrying the
// response size, the response and the final result. Empty responses
// consist of the final result alone.
func (c *Client) sized(cmd api.Command, ack bool, req []byte) ([]byte, error) {
	if ack {
		if err := c.exec(cmd, nil); err != nil {
			return nil, err
		}

		if len(req) > 0 {
			if err := c.t.Write(req); err != nil {
				return nil, err
			}
		}

		res := &api.BoardResult{}

		if err := c.result(cmd.Opcode(), res); err != nil {
			return nil, err
		}

		return c.sizedData(cmd, res)
	}

	res := &api.BoardResult{}

	if err := c.exec(cmd, res); err != nil {
		return nil, err
	}

	return c.sizedData(cmd, res)
}

func (c *Client) sizedData(cmd api.Command, res *api.BoardResult) ([]byte, error) {
	if res.Size == 0 {
		return nil, nil
	}

	data := make([]byte, res.Size)

	if err := c.t.Read(data); err != nil {
		return nil, err
	}

	return data, c.result(cmd.Opcode(), nil)
}

// BoardCommand runs a board specific command, accepting up to respSize
// response bytes.
func (c *Client) BoardCommand(cmd uint32, req []byte, respSize uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sized(&api.BoardCommand{Command: cmd, RequestSize: uint32(len(req)), ResponseBufferSize: respSize}, true, req)
}

// BoardStatus returns the board status blob.
func (c *Client) BoardStatus() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sized(&api.BoardStatusRead{}, false, nil)
}
