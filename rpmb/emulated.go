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
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// cardState is the persistent state of an emulated card.
type cardState struct {
	Programmed bool     `msgpack:"programmed"`
	Key        []byte   `msgpack:"key"`
	Counter    uint32   `msgpack:"counter"`
	Sectors    [][]byte `msgpack:"sectors"`
}

// Emulated is the device side of an RPMB partition, kept in memory and
// optionally persisted to a file after every authenticated write.
type Emulated struct {
	mu sync.Mutex

	path  string
	state cardState

	// pending holds the result of the last state changing request until a
	// result read, response holds the frame returned by ReadRPMB.
	pending  *DataFrame
	response *DataFrame
}

// NewEmulated returns an emulated card of n sectors. A non-empty path
// selects the file holding the card state, which is loaded when present.
func NewEmulated(path string, n int) (*Emulated, error) {
	e := &Emulated{path: path}

	if path != "" {
		b, err := os.ReadFile(path)

		switch {
		case err == nil:
			if err = msgpack.Unmarshal(b, &e.state); err != nil {
				return nil, fmt.Errorf("could not decode RPMB image %s: %v", path, err)
			}

			klog.Infof("SM RPMB image %s loaded (counter %d)", path, e.state.Counter)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	for len(e.state.Sectors) < n {
		e.state.Sectors = append(e.state.Sectors, make([]byte, SectorLength))
	}

	return e, nil
}

func (e *Emulated) save() error {
	if e.path == "" {
		return nil
	}

	b, err := msgpack.Marshal(&e.state)
	if err != nil {
		return err
	}

	tmp := e.path + ".tmp"

	if err = os.WriteFile(tmp, b, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, e.path)
}

func respond(req *DataFrame, result uint16) *DataFrame {
	res := &DataFrame{
		Resp:    req.Req,
		Nonce:   req.Nonce,
		Address: req.Address,
	}
	binary.BigEndian.PutUint16(res.Result[:], result)
	return res
}

// WriteRPMB processes a request frame.
func (e *Emulated) WriteRPMB(frame []byte, reliable bool) error {
	req, err := ParseFrame(frame)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Req {
	case AuthenticationKeyProgramming:
		res := respond(req, OperationOK)

		if e.state.Programmed {
			binary.BigEndian.PutUint16(res.Result[:], WriteFailure)
		} else {
			e.state.Programmed = true
			e.state.Key = append([]byte{}, req.KeyMAC[:]...)

			if err = e.save(); err != nil {
				return err
			}
		}

		e.pending = res
	case WriteCounterRead:
		e.response = e.reply(req, 0)
	case AuthenticatedDataRead:
		e.response = e.reply(req, 0)

		if e.response.OpResult() == OperationOK {
			copy(e.response.Data[:], e.state.Sectors[req.Addr()])
			copy(e.response.KeyMAC[:], MAC(e.state.Key, e.response))
		}
	case AuthenticatedDataWrite:
		res := e.reply(req, 0)

		if res.OpResult() == OperationOK {
			switch {
			case !hmac.Equal(req.KeyMAC[:], MAC(e.state.Key, req)):
				binary.BigEndian.PutUint16(res.Result[:], AuthenticationFailure)
			case req.Counter() != e.state.Counter:
				binary.BigEndian.PutUint16(res.Result[:], CounterFailure)
			default:
				copy(e.state.Sectors[req.Addr()], req.Data[:])
				e.state.Counter++

				if err = e.save(); err != nil {
					return err
				}
			}
		}

		res.SetCounter(e.state.Counter)
		copy(res.KeyMAC[:], MAC(e.state.Key, res))

		e.pending = res
	case ResultRead:
		if e.pending == nil {
			return errors.New("no pending RPMB result")
		}

		e.response, e.pending = e.pending, nil
	default:
		e.response = respond(req, GeneralFailure)
	}

	return nil
}

// reply builds an authenticated response carrying the write counter, or the
// error result for unprogrammed cards and invalid addresses.
func (e *Emulated) reply(req *DataFrame, result uint16) *DataFrame {
	switch {
	case !e.state.Programmed:
		return respond(req, AuthenticationKeyNotYetProgrammed)
	case req.Req != WriteCounterRead && int(req.Addr()) >= len(e.state.Sectors):
		result = AddressFailure
	}

	res := respond(req, result)
	res.SetCounter(e.state.Counter)
	copy(res.KeyMAC[:], MAC(e.state.Key, res))

	return res
}

// ReadRPMB returns the response to the last request.
func (e *Emulated) ReadRPMB(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.response == nil {
		return errors.New("no RPMB response available")
	}

	copy(frame, e.response.Bytes())
	e.response = nil

	return nil
}

// Counter returns the current write counter.
func (e *Emulated) Counter() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Counter
}
