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

// Package command implements the device side of the punchboot protocol: a
// session reading command frames from a transport, gating them on the
// authentication state and dispatching them to the device collaborators.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/auth"
	"github.com/transparency-dev/armored-punchboot/internal/board"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
	"github.com/transparency-dev/armored-punchboot/internal/metrics"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
	"github.com/transparency-dev/armored-punchboot/internal/stream"
	"github.com/transparency-dev/armored-punchboot/internal/transport"
)

// Fuses is the life cycle, revocation and password collaborator.
type Fuses interface {
	auth.Fuses

	SetConfiguration() error
	SetConfigurationLock() error
	SetEOL() error
	RevokeKey(id uint32) error
	KeyStatus() (*api.KeyStatus, error)
	SetPassword(pw []byte) error
}

// Watchdog is kicked while waiting for a host.
type Watchdog interface {
	Kick()
}

// Config holds the session parameters.
type Config struct {
	// Version is reported by BOOTLOADER_VERSION_READ.
	Version    string
	DeviceUUID uuid.UUID

	// BufferSize is the size of each of the two staging buffers.
	BufferSize int
	// ChunkTransferMax is the largest chunk hosts send in a single
	// transfer, zero means BufferSize.
	ChunkTransferMax uint32

	// OperationTimeout and EraseTimeout are advertised to hosts.
	OperationTimeout time.Duration
	EraseTimeout     time.Duration

	// ReadyTimeout bounds the wait for a host before the device resets,
	// zero waits forever. ReadyPoll is the watchdog kick interval.
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration

	// AuthMethods lists the accepted authentication methods, all when
	// empty.
	AuthMethods []api.AuthMethod
}

// Device bundles the collaborators a session dispatches to.
type Device struct {
	Transport transport.Transport
	Storage   *storage.Storage
	Fuses     Fuses
	Keys      *keystore.Keystore
	Boot      *boot.Boot
	Board     board.Board
	Metrics   *metrics.Metrics
	// Watchdog is optional.
	Watchdog Watchdog
}

// Kind tells the outer driver what to do after a command.
type Kind int

const (
	// Continue reading commands.
	Continue Kind = iota
	// Reset the platform.
	Reset
	// Handoff jumps to the loaded image.
	Handoff
)

func (k Kind) String() string {
	switch k {
	case Reset:
		return "reset"
	case Handoff:
		return "handoff"
	}
	return "continue"
}

// Outcome is the result of dispatching a command.
type Outcome struct {
	Kind Kind
	// Params is set for Handoff.
	Params *boot.Params
}

// Session owns the frame, staging buffers, hash context and authentication
// state of the command loop. It is not safe for concurrent use.
type Session struct {
	cfg Config
	dev Device

	frame      []byte
	credential [auth.MaxCredentialSize]byte

	streams *stream.Manager
	hash    hash.Context
	gate    *auth.Gate

	// next is the outcome staged by the current handler.
	next Outcome
}

// NewSession returns a session over dev.
func NewSession(cfg Config, dev Device) (*Session, error) {
	switch {
	case dev.Transport == nil || dev.Storage == nil || dev.Fuses == nil || dev.Keys == nil || dev.Boot == nil || dev.Board == nil:
		return nil, errors.New("incomplete device")
	case len(cfg.Version) > api.MaxVersionLength:
		return nil, fmt.Errorf("version %q longer than %d bytes", cfg.Version, api.MaxVersionLength)
	case cfg.BufferSize < bpak.HeaderSize || cfg.BufferSize%bpak.HeaderSize != 0:
		return nil, fmt.Errorf("buffer size %d is not a multiple of %d", cfg.BufferSize, bpak.HeaderSize)
	case int64(cfg.ChunkTransferMax) > int64(cfg.BufferSize):
		return nil, fmt.Errorf("chunk transfer size %d exceeds buffer size %d", cfg.ChunkTransferMax, cfg.BufferSize)
	}

	if cfg.ChunkTransferMax == 0 {
		cfg.ChunkTransferMax = uint32(cfg.BufferSize)
	}

	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = 100 * time.Millisecond
	}

	return &Session{
		cfg:     cfg,
		dev:     dev,
		frame:   make([]byte, api.FrameSize),
		streams: stream.New(dev.Storage, cfg.BufferSize),
		gate:    auth.New(dev.Fuses, dev.Keys, cfg.DeviceUUID, cfg.AuthMethods...),
	}, nil
}

// Gate returns the authentication gate.
func (s *Session) Gate() *auth.Gate {
	return s.gate
}

// Serve runs the command loop over the initialized transport until a
// command asks for a reset or a hand off, or until no host shows up within
// the ready timeout. It returns early with ctx's error when ctx is done.
func (s *Session) Serve(ctx context.Context) (Outcome, error) {
	for {
		if err := s.waitReady(ctx); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}

			klog.Warningf("PB %v, rebooting", err)

			return Outcome{Kind: Reset}, nil
		}

		s.connected()

		for {
			out, err := s.Step()
			if err != nil {
				klog.V(1).Infof("PB host connection lost: %v", err)
				_ = s.dev.Transport.Close()
				break
			}

			if out.Kind != Continue {
				return out, nil
			}
		}
	}
}

// waitReady polls the transport, kicking the watchdog between polls.
func (s *Session) waitReady(ctx context.Context) error {
	start := time.Now()

	for {
		if s.dev.Watchdog != nil {
			s.dev.Watchdog.Kick()
		}

		pctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyPoll)
		err := s.dev.Transport.Ready(pctx)
		cancel()

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		case s.cfg.ReadyTimeout > 0 && time.Since(start) >= s.cfg.ReadyTimeout:
			return fmt.Errorf("%w: no host after %v", api.ErrTimeout, s.cfg.ReadyTimeout)
		}
	}
}

// connected starts a new host session.
func (s *Session) connected() {
	s.gate.Reset()

	if err := s.streams.Finalize(); err != nil {
		klog.Errorf("PB stream release on reconnect: %v", err)
	}
}

// Step reads and dispatches a single command. Errors are transport
// failures, command failures are reported to the host.
func (s *Session) Step() (Outcome, error) {
	if err := s.dev.Transport.Read(s.frame); err != nil {
		return Outcome{}, err
	}

	return s.Dispatch(s.frame)
}

// Dispatch runs the command in frame and writes its final result.
func (s *Session) Dispatch(frame []byte) (Outcome, error) {
	start := time.Now()

	s.next = Outcome{}

	cmd, op, err := api.DecodeCommand(frame)

	var payload any

	if err == nil {
		payload, err = s.dispatch(cmd, op)
	}

	r := api.ResultOf(err)

	if err != nil {
		s.next = Outcome{}

		if metrics.Integrity(r) {
			klog.Warningf("PB %v: %v", op, err)
		} else {
			klog.V(1).Infof("PB %v: %v", op, err)
		}
	}

	werr := s.result(r, payload)

	if s.dev.Metrics != nil {
		s.dev.Metrics.Command(op, r, time.Since(start))
	}

	if werr != nil {
		if s.next.Kind != Continue {
			klog.Errorf("PB %v: final result not delivered: %v", op, werr)
			return s.next, nil
		}

		return Outcome{}, werr
	}

	return s.next, nil
}

func (s *Session) dispatch(cmd api.Command, op api.Opcode) (any, error) {
	ok, err := s.gate.Allow(op)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %v", api.ErrNotAuthenticated, op)
	}

	klog.V(2).Infof("PB %v", op)

	switch c := cmd.(type) {
	case *api.BootloaderVersionRead:
		return s.version()
	case *api.DeviceReset:
		return s.reset()
	case *api.DeviceIdentifierRead:
		return s.identifier()
	case *api.DeviceReadCaps:
		return s.caps()
	case *api.SLCSetConfiguration:
		return nil, s.slc("configuration", s.dev.Fuses.SetConfiguration)
	case *api.SLCSetConfigurationLock:
		return nil, s.slc("configuration locked", s.dev.Fuses.SetConfigurationLock)
	case *api.SLCSetEOL:
		return nil, s.slc("end of life", s.dev.Fuses.SetEOL)
	case *api.SLCRevokeKey:
		return nil, s.revokeKey(c)
	case *api.SLCRead:
		return nil, s.slcRead()
	case *api.PartTableRead:
		return nil, s.tableRead(c)
	case *api.PartTableInstall:
		return nil, s.dev.Storage.Install(c.Driver, int(c.Variant))
	case *api.PartVerify:
		return nil, s.verify(c)
	case *api.PartActivate:
		return nil, s.dev.Boot.Activate(c.Partition)
	case *api.PartBPAKRead:
		return nil, s.bpakRead(c)
	case *api.PartErase:
		return nil, s.erase(c)
	case *api.PartResize:
		return nil, fmt.Errorf("%w: partition resize", api.ErrNotSupported)
	case *api.Authenticate:
		return nil, s.authenticate(c)
	case *api.AuthSetOTPPassword:
		return nil, s.setPassword(c)
	case *api.StreamInitialize:
		return nil, s.streams.Init(c.Partition)
	case *api.StreamPrepareBuffer:
		return nil, s.prepare(c)
	case *api.StreamWriteBuffer:
		return nil, s.write(c)
	case *api.StreamReadBuffer:
		return nil, s.read(c)
	case *api.StreamFinalize:
		return nil, s.streams.Finalize()
	case *api.BootPart:
		return nil, s.bootPart(c)
	case *api.BootRAM:
		return nil, s.bootRAM(c)
	case *api.BootStatus:
		return s.dev.Boot.State().Status(), nil
	case *api.BoardCommand:
		return s.boardCommand(c)
	case *api.BoardStatusRead:
		return s.boardStatus()
	}

	return nil, fmt.Errorf("%w: %v", api.ErrNotSupported, op)
}

// result writes a result frame, payloads which do not fit are replaced by
// an error result.
func (s *Session) result(r api.Result, payload any) error {
	frame, err := api.EncodeResult(r, payload)
	if err != nil {
		klog.Errorf("PB %v", err)

		if frame, err = api.EncodeResult(api.ResultOf(err), nil); err != nil {
			return err
		}
	}

	return s.dev.Transport.Write(frame)
}

// ack writes the intermediate OK result preceding a data phase.
func (s *Session) ack() error {
	return s.result(api.ResultOK, nil)
}
