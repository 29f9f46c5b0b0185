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

package command

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/auth"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
	"github.com/transparency-dev/armored-punchboot/internal/stream"
)

func (s *Session) version() (any, error) {
	return api.FixedString(s.cfg.Version, api.MaxVersionLength+1), nil
}

func (s *Session) reset() (any, error) {
	klog.Infof("PB device reset requested")
	s.next = Outcome{Kind: Reset}
	return nil, nil
}

func (s *Session) identifier() (any, error) {
	id := &api.DeviceIdentifier{DeviceUUID: s.cfg.DeviceUUID}
	copy(id.BoardID[:], api.FixedString(s.dev.Board.ID(), api.BoardIDLength))

	return id, nil
}

func (s *Session) caps() (any, error) {
	return &api.Caps{
		NoOfBuffers:           stream.NumBuffers,
		BufferSize:            uint32(s.streams.Capacity()),
		OperationTimeoutMS:    uint16(s.cfg.OperationTimeout.Milliseconds()),
		PartEraseTimeoutMS:    uint16(s.cfg.EraseTimeout.Milliseconds()),
		BPAKStreamSupport:     1,
		ChunkTransferMaxBytes: s.cfg.ChunkTransferMax,
	}, nil
}

// slc runs a life cycle transition and logs the life cycle read back from
// the fuses.
func (s *Session) slc(name string, set func() error) error {
	if err := set(); err != nil {
		return err
	}

	slc, err := s.dev.Fuses.SLC()
	if err != nil {
		return err
	}

	klog.Infof("PB SLC set %s, now %s", name, slc)

	return nil
}

func (s *Session) revokeKey(c *api.SLCRevokeKey) error {
	if _, err := s.dev.Keys.Key(c.KeyID); err != nil {
		klog.Warningf("PB revoking key %#08x unknown to the keystore", c.KeyID)
	}

	return s.slc(fmt.Sprintf("key %#08x revoked", c.KeyID), func() error {
		return s.dev.Fuses.RevokeKey(c.KeyID)
	})
}

func (s *Session) slcRead() error {
	slc, err := s.dev.Fuses.SLC()
	if err != nil {
		return err
	}

	keys, err := s.dev.Fuses.KeyStatus()
	if err != nil {
		return err
	}

	if err = s.result(api.ResultOK, &api.SLCResult{SLC: slc}); err != nil {
		return err
	}

	return s.dev.Transport.Write(api.Marshal(keys))
}

func (s *Session) tableRead(c *api.PartTableRead) error {
	n := int(c.MaxEntries)
	if n == 0 {
		n = api.MaxTableEntries
	}

	entries, err := s.dev.Storage.Table(n)
	if err != nil {
		return err
	}

	if err = s.result(api.ResultOK, &api.TableReadResult{NoOfEntries: uint8(len(entries))}); err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	for i := range entries {
		buf.Write(api.Marshal(&entries[i]))
	}

	return s.dev.Transport.Write(buf.Bytes())
}

func (s *Session) verify(c *api.PartVerify) error {
	p, d, err := s.dev.Storage.Part(c.Partition)
	if err != nil {
		return err
	}

	req := &boot.VerifyRequest{
		SHA256: c.SHA256,
		Size:   uint64(c.Size),
		BPAK:   c.BPAK,
	}

	// one staging buffer, half of the command buffer, is the read chunk
	if err = boot.Verify(&s.hash, d, p, req, s.streams.Scratch(0)); err != nil {
		return err
	}

	klog.Infof("PB %s verified, %d bytes", p, c.Size)

	return nil
}

func (s *Session) bpakRead(c *api.PartBPAKRead) error {
	p, d, err := s.dev.Storage.Part(c.Partition)
	if err != nil {
		return err
	}

	raw, err := boot.ReadHeader(d, p)
	if err != nil {
		return err
	}

	if _, err = bpak.Parse(raw); err != nil {
		return fmt.Errorf("%w: no image header on %s: %v", api.ErrNotFound, p, err)
	}

	if err = s.ack(); err != nil {
		return err
	}

	return s.dev.Transport.Write(raw)
}

func (s *Session) erase(c *api.PartErase) error {
	p, d, err := s.dev.Storage.Part(c.Partition)
	if err != nil {
		return err
	}

	if !p.Has(storage.FlagWritable) {
		return fmt.Errorf("%w: %s is not writable", api.ErrIO, p)
	}

	return d.Erase(p, uint64(c.StartLBA), uint64(c.BlockCount))
}

// readCredential acknowledges the command and reads size bytes of credential
// data from the host.
func (s *Session) readCredential(size uint16) ([]byte, error) {
	if size == 0 || int(size) > auth.MaxCredentialSize {
		return nil, fmt.Errorf("%w: credential of %d bytes", api.ErrInvalidArgument, size)
	}

	if err := s.ack(); err != nil {
		return nil, err
	}

	buf := s.credential[:size]

	if err := s.dev.Transport.Read(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func (s *Session) clearCredential() {
	clear(s.credential[:])
}

func (s *Session) authenticate(c *api.Authenticate) error {
	defer s.clearCredential()

	cred, err := s.readCredential(c.Size)
	if err != nil {
		return err
	}

	if err = s.gate.Authenticate(c.Method, c.KeyID, cred); err != nil {
		if s.dev.Metrics != nil {
			s.dev.Metrics.AuthFailure(c.Method)
		}
		return err
	}

	return nil
}

func (s *Session) setPassword(c *api.AuthSetOTPPassword) error {
	defer s.clearCredential()

	pw, err := s.readCredential(c.Size)
	if err != nil {
		return err
	}

	return s.dev.Fuses.SetPassword(pw)
}

func (s *Session) prepare(c *api.StreamPrepareBuffer) error {
	buf, err := s.streams.Prepare(c.ID, c.Size)
	if err != nil {
		return err
	}

	if err = s.ack(); err != nil {
		return err
	}

	return s.dev.Transport.Read(buf)
}

func (s *Session) write(c *api.StreamWriteBuffer) error {
	if err := s.streams.Write(c.BufferID, c.Offset, c.Size); err != nil {
		return err
	}

	if s.dev.Metrics != nil {
		s.dev.Metrics.Streamed("write", int(c.Size))
	}

	return nil
}

func (s *Session) read(c *api.StreamReadBuffer) error {
	buf, err := s.streams.Read(c.BufferID, c.Offset, c.Size)
	if err != nil {
		return err
	}

	if err = s.ack(); err != nil {
		return err
	}

	if err = s.dev.Transport.Write(buf); err != nil {
		return err
	}

	if s.dev.Metrics != nil {
		s.dev.Metrics.Streamed("read", len(buf))
	}

	return nil
}

func (s *Session) bootPart(c *api.BootPart) error {
	params, err := s.dev.Boot.FromPartition(c.Partition, c.Verbose)
	if err != nil {
		return err
	}

	s.next = Outcome{Kind: Handoff, Params: params}

	return nil
}

// transportSource reads image parts as the host sends them.
type transportSource struct {
	s *Session
}

func (t *transportSource) ReadPart(_ *bpak.Header, _ *bpak.Part, _ uint64, buf []byte) error {
	return t.s.dev.Transport.Read(buf)
}

func (s *Session) bootRAM(c *api.BootRAM) error {
	if err := s.ack(); err != nil {
		return err
	}

	raw := s.streams.Scratch(0)[:bpak.HeaderSize]

	if err := s.dev.Transport.Read(raw); err != nil {
		return err
	}

	// intermediate results only acknowledge successful stages, a failure
	// is reported once by the final result
	report := func(err error) error {
		if err != nil {
			return err
		}
		return s.ack()
	}

	params, err := s.dev.Boot.FromImage(c.Partition, c.Verbose, raw, &transportSource{s: s}, report)
	if err != nil {
		return err
	}

	s.next = Outcome{Kind: Handoff, Params: params}

	return nil
}

// sized sends a response data phase: a result carrying its size followed
// by the data. Empty responses have no data phase.
func (s *Session) sized(resp []byte) (any, error) {
	res := &api.BoardResult{Size: uint32(len(resp))}

	if len(resp) == 0 {
		return res, nil
	}

	if err := s.result(api.ResultOK, res); err != nil {
		return nil, err
	}

	if err := s.dev.Transport.Write(resp); err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Session) boardCommand(c *api.BoardCommand) (any, error) {
	capacity := uint32(s.streams.Capacity())

	if c.RequestSize > capacity || c.ResponseBufferSize > capacity {
		return nil, fmt.Errorf("%w: board request %d / response %d bytes exceed %d", api.ErrInvalidArgument, c.RequestSize, c.ResponseBufferSize, capacity)
	}

	if err := s.ack(); err != nil {
		return nil, err
	}

	req := s.streams.Scratch(0)[:c.RequestSize]

	if len(req) > 0 {
		if err := s.dev.Transport.Read(req); err != nil {
			return nil, err
		}
	}

	resp := s.streams.Scratch(1)[:c.ResponseBufferSize]

	n, err := s.dev.Board.Command(c.Command, req, resp)
	if err != nil {
		return nil, err
	}

	return s.sized(resp[:n])
}

func (s *Session) boardStatus() (any, error) {
	resp := s.streams.Scratch(1)

	n, err := s.dev.Board.Status(resp)
	if err != nil {
		return nil, err
	}

	return s.sized(resp[:n])
}
