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

package boot

import (
	"bytes"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
)

// VerifyRequest describes a partition content check.
type VerifyRequest struct {
	SHA256 [32]byte
	// Size is the number of bytes covered, including the image header for
	// BPAK partitions.
	Size uint64
	// BPAK partitions carry their image header in the last blocks, it is
	// hashed first.
	BPAK bool
}

// headerBlock returns the first block of the image header stored at the end
// of p.
func headerBlock(d *storage.Driver, p *storage.Partition) (uint64, error) {
	n, err := d.Blocks(bpak.HeaderSize)
	if err != nil {
		return 0, err
	}

	if n > p.Blocks() {
		return 0, fmt.Errorf("%w: %s is smaller than an image header", api.ErrInvalidArgument, p)
	}

	return p.Blocks() - n, nil
}

// ReadHeader returns the raw image header stored at the end of p.
func ReadHeader(d *storage.Driver, p *storage.Partition) ([]byte, error) {
	lba, err := headerBlock(d, p)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, bpak.HeaderSize)

	if err = d.Read(p, buf, lba); err != nil {
		return nil, err
	}

	return buf, nil
}

// Verify hashes the partition content with c, reading through buf, and
// compares the digest.
func Verify(c *hash.Context, d *storage.Driver, p *storage.Partition, req *VerifyRequest, buf []byte) error {
	bs := uint64(d.BlockSize())
	chunk := uint64(len(buf)) / bs * bs

	if chunk == 0 {
		return fmt.Errorf("%w: %d byte buffer is smaller than a block", api.ErrNoMemory, len(buf))
	}

	if err := c.Init(hash.SHA256); err != nil {
		return err
	}

	remaining := req.Size

	if req.BPAK {
		if remaining < bpak.HeaderSize {
			return fmt.Errorf("%w: %d bytes cannot hold an image header", api.ErrInvalidArgument, remaining)
		}

		h, err := ReadHeader(d, p)
		if err != nil {
			return err
		}

		if err = c.Update(h); err != nil {
			return err
		}

		remaining -= bpak.HeaderSize
	}

	klog.V(2).Infof("PB verifying %d bytes of %s", remaining, p)

	for lba := uint64(0); remaining > 0; {
		n := min(remaining, chunk)
		blocks := (n + bs - 1) / bs

		if err := d.Read(p, buf[:blocks*bs], lba); err != nil {
			return err
		}

		if err := c.Update(buf[:n]); err != nil {
			return err
		}

		remaining -= n
		lba += blocks
	}

	digest, err := c.Final()
	if err != nil {
		return err
	}

	if !bytes.Equal(digest, req.SHA256[:]) {
		klog.Warningf("PB %s verification failed", p)
		return fmt.Errorf("%w: %s", api.ErrPartVerifyFailed, p)
	}

	klog.Infof("PB %s verified", p)

	return nil
}
