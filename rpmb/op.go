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

package rpmb

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	FrameLength = 512
	// macOffset is the length of the frame tail covered by the MAC.
	macOffset = 284
)

// p99, Table 18 — RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

// p100, Table 20 — RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

var (
	ErrMAC      = errors.New("invalid response MAC")
	ErrMismatch = errors.New("request/response mismatch")
	ErrCounter  = errors.New("write counter mismatch")
)

// OperationError carries a non-OK operation result reported by the card.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed (%x)", e.Result)
}

// Config selects the optional steps of a request.
type Config struct {
	// compute request MAC before sending
	RequestMAC bool
	// validate response MAC after receiving
	ResponseMAC bool
	// set Nonce field with random value
	RandomNonce bool
	// get response with a result read request
	ResultRead bool
}

// p98, Table 17 — Data Frame Files for RPMB, JESD84-B51
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [32]byte
	Data         [256]byte
	Nonce        [16]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	Resp         byte
	Req          byte
}

// Counter returns the data frame WriteCounter in uint32 format.
func (d *DataFrame) Counter() uint32 {
	return binary.BigEndian.Uint32(d.WriteCounter[:])
}

// SetCounter stores n as the frame write counter.
func (d *DataFrame) SetCounter(n uint32) {
	binary.BigEndian.PutUint32(d.WriteCounter[:], n)
}

// Addr returns the frame sector address.
func (d *DataFrame) Addr() uint16 {
	return binary.BigEndian.Uint16(d.Address[:])
}

// OpResult returns the frame operation result.
func (d *DataFrame) OpResult() uint16 {
	return binary.BigEndian.Uint16(d.Result[:])
}

// Bytes converts the data frame structure to byte array format.
func (d *DataFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ParseFrame decodes a data frame.
func ParseFrame(b []byte) (*DataFrame, error) {
	if len(b) != FrameLength {
		return nil, fmt.Errorf("RPMB frame is %d bytes, want %d", len(b), FrameLength)
	}

	d := &DataFrame{}

	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// MAC computes the authentication code of frame f with key.
func MAC(key []byte, f *DataFrame) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(f.Bytes()[FrameLength-macOffset:])
	return mac.Sum(nil)
}

func reliable(req byte) bool {
	switch req {
	case AuthenticationKeyProgramming, AuthenticatedDataWrite, AuthenticatedDeviceConfigurationWrite:
		return true
	}
	return false
}

func (p *RPMB) op(req *DataFrame, cfg *Config) (*DataFrame, error) {
	p.Lock()
	defer p.Unlock()

	if !p.init {
		return nil, errors.New("RPMB instance not initialized")
	}

	if cfg.RequestMAC {
		copy(req.KeyMAC[:], MAC(p.key[:], req))
	}

	if cfg.RandomNonce {
		if _, err := rand.Read(req.Nonce[:]); err != nil {
			return nil, err
		}
	}

	if err := p.card.WriteRPMB(req.Bytes(), reliable(req.Req)); err != nil {
		return nil, err
	}

	if cfg.ResultRead {
		rr := &DataFrame{Req: ResultRead}

		if err := p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, FrameLength)

	if err := p.card.ReadRPMB(buf); err != nil {
		return nil, err
	}

	res, err := ParseFrame(buf)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.ResponseMAC && !hmac.Equal(res.KeyMAC[:], MAC(p.key[:], res)):
		return nil, ErrMAC
	case req.Req != res.Resp:
		return nil, fmt.Errorf("%w: type %d, response %d", ErrMismatch, req.Req, res.Resp)
	case req.Nonce != res.Nonce:
		return nil, fmt.Errorf("%w: nonce", ErrMismatch)
	}

	if r := res.OpResult(); r != OperationOK {
		return nil, &OperationError{r}
	}

	return res, nil
}

func (p *RPMB) transfer(kind byte, offset uint16, buf []byte) error {
	if len(buf) > SectorLength {
		return fmt.Errorf("transfer size must not exceed %d bytes", SectorLength)
	}

	cfg := &Config{
		RequestMAC:  true,
		ResponseMAC: true,
	}

	req := &DataFrame{
		Req: kind,
	}

	if kind == AuthenticatedDataWrite {
		n, err := p.Counter(true)
		if err != nil {
			return err
		}

		req.SetCounter(n)
		cfg.ResultRead = true
	} else {
		cfg.RandomNonce = true
	}

	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	binary.BigEndian.PutUint16(req.Address[:], offset)
	copy(req.Data[:], buf)

	res, err := p.op(req, cfg)
	if err != nil {
		return err
	}

	if kind == AuthenticatedDataRead {
		copy(buf, res.Data[:])
		return nil
	}

	if res.Counter() != req.Counter()+1 {
		return fmt.Errorf("%w: sent %d, got %d", ErrCounter, req.Counter(), res.Counter())
	}

	return nil
}
