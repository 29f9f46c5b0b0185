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

// Package transport carries protocol bytes between the device and a host.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
)

// Transport is a blocking byte stream to a single host at a time.
type Transport interface {
	// Init prepares the transport.
	Init() error
	// Ready blocks until a host is connected or ctx is done.
	Ready(ctx context.Context) error
	// Read fills buf from the host.
	Read(buf []byte) error
	// Write sends buf to the host.
	Write(buf []byte) error
	// Close drops the current host connection.
	Close() error
}

// transferError wraps stream errors so that they map to TRANSFER_ERROR.
func transferError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", api.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", api.ErrTransfer, op, err)
}

// Conn is a transport over an established connection, mostly useful with
// net.Pipe.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewConn returns a transport serving c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

func (t *Conn) Init() error {
	return nil
}

func (t *Conn) Ready(ctx context.Context) error {
	if c, _ := t.current(); c != nil {
		return nil
	}

	<-ctx.Done()

	return ctx.Err()
}

func (t *Conn) current() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, fmt.Errorf("%w: not connected", api.ErrTransfer)
	}

	return t.conn, nil
}

func (t *Conn) Read(buf []byte) error {
	c, err := t.current()
	if err != nil {
		return err
	}

	if _, err = io.ReadFull(c, buf); err != nil {
		return transferError("read", err)
	}

	return nil
}

func (t *Conn) Write(buf []byte) error {
	c, err := t.current()
	if err != nil {
		return err
	}

	if _, err = c.Write(buf); err != nil {
		return transferError("write", err)
	}

	return nil
}

func (t *Conn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil

	return err
}

// Socket accepts hosts on a stream listener, one at a time.
type Socket struct {
	network string
	address string

	l        net.Listener
	accepted chan net.Conn
	conn     Conn
}

// NewSocket returns a transport listening on address, e.g. "tcp" and
// "localhost:5555" or "unix" and a socket path.
func NewSocket(network, address string) *Socket {
	return &Socket{network: network, address: address}
}

func (s *Socket) Init() (err error) {
	if s.network == "unix" {
		_ = os.Remove(s.address)
	}

	if s.l, err = net.Listen(s.network, s.address); err != nil {
		return err
	}

	s.accepted = make(chan net.Conn)

	go s.accept()

	klog.Infof("PB listening on %s %s", s.network, s.l.Addr())

	return nil
}

func (s *Socket) accept() {
	defer close(s.accepted)

	for {
		c, err := s.l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				klog.Errorf("PB accept: %v", err)
			}
			return
		}

		s.accepted <- c
	}
}

// Addr returns the listening address.
func (s *Socket) Addr() net.Addr {
	return s.l.Addr()
}

func (s *Socket) Ready(ctx context.Context) error {
	if c, _ := s.conn.current(); c != nil {
		return nil
	}

	select {
	case c, ok := <-s.accepted:
		if !ok {
			return fmt.Errorf("%w: listener closed", api.ErrTransfer)
		}

		klog.Infof("PB host connected from %s", c.RemoteAddr())

		s.conn.mu.Lock()
		s.conn.conn = c
		s.conn.mu.Unlock()

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) Read(buf []byte) error {
	return s.conn.Read(buf)
}

func (s *Socket) Write(buf []byte) error {
	return s.conn.Write(buf)
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

// Shutdown closes the listener and any connection.
func (s *Socket) Shutdown() error {
	_ = s.conn.Close()

	if s.l == nil {
		return nil
	}

	return s.l.Close()
}
