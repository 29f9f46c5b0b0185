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

package client

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
)

// ErrShortImage is returned when an image ends before all of its parts.
var ErrShortImage = errors.New("image shorter than its header describes")

// pending is a staged buffer waiting to be written.
type pending struct {
	id     uint8
	size   uint32
	offset uint64
}

// writer stages chunks in alternating device buffers. A staged chunk is
// written once the next one has been staged.
type writer struct {
	c        *Client
	next     uint8
	staged   *pending
	progress Progress
}

func (w *writer) put(data []byte, offset uint64) error {
	if err := w.c.upload(&api.StreamPrepareBuffer{Size: uint32(len(data)), ID: w.next}, data); err != nil {
		return err
	}

	if err := w.commit(); err != nil {
		return err
	}

	w.staged = &pending{id: w.next, size: uint32(len(data)), offset: offset}
	w.next ^= 1

	return nil
}

func (w *writer) commit() error {
	if w.staged == nil {
		return nil
	}

	p := w.staged
	w.staged = nil

	if err := w.c.exec(&api.StreamWriteBuffer{Size: p.size, Offset: p.offset, BufferID: p.id}, nil); err != nil {
		return err
	}

	if w.progress != nil {
		w.progress(int(p.size))
	}

	return nil
}

// copy streams r to the partition from offset on, zero padding the last
// chunk to blockSize.
func (w *writer) copy(r io.Reader, offset uint64, chunk []byte, blockSize int) (uint64, error) {
	start := offset

	for {
		n, rerr := io.ReadFull(r, chunk)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return offset - start, rerr
		}

		if n > 0 {
			if blockSize > 0 && n%blockSize != 0 {
				pad := blockSize - n%blockSize
				clear(chunk[n : n+pad])
				n += pad
			}

			if err := w.put(chunk[:n], offset); err != nil {
				return offset - start, err
			}

			offset += uint64(n)
		}

		if rerr != nil {
			return offset - start, nil
		}
	}
}

// WritePart streams r into partition id. Chunks alternate between the two
// device buffers, the next chunk is staged before the previous one is
// committed. The last chunk is zero padded to blockSize.
func (c *Client) WritePart(id uuid.UUID, r io.Reader, blockSize int, progress Progress) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps, err := c.readCaps()
	if err != nil {
		return 0, err
	}

	if err = c.exec(&api.StreamInitialize{Partition: id}, nil); err != nil {
		return 0, err
	}

	w := &writer{c: c, progress: progress}

	n, err := w.copy(r, 0, make([]byte, caps.BufferSize), blockSize)
	if err != nil {
		return n, err
	}

	if err = w.commit(); err != nil {
		return n, err
	}

	return n, c.exec(&api.StreamFinalize{}, nil)
}

// WriteImage stores a BPAK image, read from r as its header followed by its
// parts, in partition part. The parts are written from the start of the
// partition and the header to its last blocks, where image boot expects it.
func (c *Client) WriteImage(part *api.PartitionEntry, r io.Reader, progress Progress) (*bpak.Header, error) {
	raw := make([]byte, bpak.HeaderSize)

	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortImage, err)
	}

	h, err := bpak.Parse(raw)
	if err != nil {
		return nil, err
	}

	if h.Length()+bpak.HeaderSize > part.Size() {
		return nil, fmt.Errorf("%w: %d byte image does not fit %d byte partition", api.ErrInvalidArgument, h.Length()+bpak.HeaderSize, part.Size())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	caps, err := c.readCaps()
	if err != nil {
		return nil, err
	}

	if err = c.exec(&api.StreamInitialize{Partition: part.UUID}, nil); err != nil {
		return nil, err
	}

	w := &writer{c: c, progress: progress}
	payload := h.Length()

	n, err := w.copy(io.LimitReader(r, int64(payload)), 0, make([]byte, caps.BufferSize), int(part.BlockSize))
	if err != nil {
		return nil, err
	}

	if n < payload {
		return nil, fmt.Errorf("%w: %d of %d payload bytes", ErrShortImage, n, payload)
	}

	if err = w.put(raw, part.Size()-bpak.HeaderSize); err != nil {
		return nil, err
	}

	if err = w.commit(); err != nil {
		return nil, err
	}

	return h, c.exec(&api.StreamFinalize{}, nil)
}

// ReadPart streams size bytes from the start of partition id into w.
func (c *Client) ReadPart(id uuid.UUID, w io.Writer, size uint64, progress Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps, err := c.readCaps()
	if err != nil {
		return err
	}

	if err = c.exec(&api.StreamInitialize{Partition: id}, nil); err != nil {
		return err
	}

	var next uint8

	for offset := uint64(0); offset < size; offset += uint64(caps.BufferSize) {
		n := uint32(min(size-offset, uint64(caps.BufferSize)))

		data, err := c.download(&api.StreamReadBuffer{Size: n, Offset: offset, BufferID: next}, nil, func() int { return int(n) })
		if err != nil {
			return err
		}

		if _, err = w.Write(data); err != nil {
			return err
		}

		if progress != nil {
			progress(len(data))
		}

		next ^= 1
	}

	return c.exec(&api.StreamFinalize{}, nil)
}

// BootRAM sends an image, its header followed by its parts, and boots it
// without storing it. The device does not answer further commands on
// success.
func (c *Client) BootRAM(r io.Reader, id uuid.UUID, verbose bool, progress Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps, err := c.readCaps()
	if err != nil {
		return err
	}

	raw := make([]byte, bpak.HeaderSize)

	if _, err = io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrShortImage, err)
	}

	h, err := bpak.Parse(raw)
	if err != nil {
		return err
	}

	cmd := &api.BootRAM{Verbose: verbose, Partition: id}

	if err = c.upload(cmd, raw); err != nil {
		return err
	}

	n := caps.ChunkTransferMaxBytes
	if n == 0 {
		n = caps.BufferSize
	}

	chunk := make([]byte, n)

	for _, p := range h.UsedParts() {
		for left := p.Length(); left > 0; {
			n := min(left, uint64(len(chunk)))

			if _, err = io.ReadFull(r, chunk[:n]); err != nil {
				return fmt.Errorf("%w: part %#08x: %v", ErrShortImage, p.ID, err)
			}

			if err = c.t.Write(chunk[:n]); err != nil {
				return err
			}

			if progress != nil {
				progress(int(n))
			}

			left -= n
		}

		if err = c.result(cmd.Opcode(), nil); err != nil {
			return err
		}
	}

	// payload check, then the final result
	if err = c.result(cmd.Opcode(), nil); err != nil {
		return err
	}

	return c.result(cmd.Opcode(), nil)
}
