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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/board"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	bpaktest "github.com/transparency-dev/armored-punchboot/internal/bpak/testonly"
	"github.com/transparency-dev/armored-punchboot/internal/command"
	"github.com/transparency-dev/armored-punchboot/internal/fuse"
	"github.com/transparency-dev/armored-punchboot/internal/hash"
	"github.com/transparency-dev/armored-punchboot/internal/keystore"
	"github.com/transparency-dev/armored-punchboot/internal/metrics"
	"github.com/transparency-dev/armored-punchboot/internal/storage"
	"github.com/transparency-dev/armored-punchboot/internal/storage/testonly"
	"github.com/transparency-dev/armored-punchboot/internal/transport"
	"github.com/transparency-dev/armored-punchboot/rpmb"
)

const (
	keystoreID = 0x5cbd4c1e
	signingKey = 0x6a1f8c3d
)

var (
	device  = uuid.MustParse("4d6e3a2f-1b0c-4e9d-8a7b-6c5d4e3f2a1b")
	driver  = uuid.MustParse("a0a0a0a0-0000-4000-8000-000000000001")
	stateP  = uuid.MustParse("f5f8c9ae-efb5-4071-9ba9-d313b082281e")
	stateB  = uuid.MustParse("656ab3fc-5856-4a5e-a2ae-5a018313b3ee")
	systemA = uuid.MustParse("2af755d8-8de5-45d5-a862-014cfa735ce0")
	systemB = uuid.MustParse("c046ccd8-0f2e-4036-984d-76c14dc73992")
	data    = uuid.MustParse("ff4ddc6c-ad7a-47e8-8773-6729392dd1b5")
)

type testDevice struct {
	fuses *fuse.Fuses
	priv  *ecdsa.PrivateKey
	done  chan command.Outcome
}

// newDevice serves a simulated device and returns a client connected to it.
func newDevice(t *testing.T) (*Client, *testDevice) {
	t.Helper()

	rw := storage.FlagWritable | storage.FlagReadable
	slot := rw | storage.FlagVisible | storage.FlagBootable

	d, err := storage.NewDriver(driver, "mmc0", testonly.NewMemDev(t, 1024),
		[]storage.Partition{
			{UUID: stateP, Description: "state", FirstBlock: 1, LastBlock: 1, Flags: rw},
			{UUID: stateB, Description: "state backup", FirstBlock: 2, LastBlock: 2, Flags: rw},
			{UUID: systemA, Description: "system A", FirstBlock: 64, LastBlock: 191, Flags: slot},
			{UUID: systemB, Description: "system B", FirstBlock: 192, LastBlock: 319, Flags: slot},
		},
		[]storage.Partition{
			{UUID: data, Description: "data", FirstBlock: 320, LastBlock: 1023, Flags: rw | storage.FlagVisible},
		},
	)
	require.NoError(t, err)
	disk := storage.New(d)

	td := &testDevice{done: make(chan command.Outcome, 1)}

	td.priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ks, err := keystore.New(keystoreID, &keystore.Key{ID: signingKey, Kind: keystore.KindPrime256v1, Public: td.priv.Public()})
	require.NoError(t, err)

	card, err := rpmb.NewEmulated("", 16)
	require.NoError(t, err)
	r, err := rpmb.Open(card, rpmb.DeriveKey([]byte("secret"), device[:]), 0)
	require.NoError(t, err)
	td.fuses, err = fuse.Open(r, 2, 4, device, ks.IDs())
	require.NoError(t, err)

	state, err := boot.OpenState(disk, boot.StateConfig{Primary: stateP, Backup: stateB, SystemA: systemA, SystemB: systemB})
	require.NoError(t, err)
	sim, err := board.NewSimulated("sim", "test", td.fuses, state)
	require.NoError(t, err)

	devConn, hostConn := net.Pipe()
	require.NoError(t, hostConn.SetDeadline(time.Now().Add(30*time.Second)))

	s, err := command.NewSession(command.Config{
		Version:          "0.9.0",
		DeviceUUID:       device,
		BufferSize:       8192,
		ChunkTransferMax: 4096,
	}, command.Device{
		Transport: transport.NewConn(devConn),
		Storage:   disk,
		Fuses:     td.fuses,
		Keys:      ks,
		Boot:      boot.New(boot.NewLoader(ks, td.fuses, 4096), state, disk),
		Board:     sim,
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if out, err := s.Serve(ctx); err == nil {
			td.done <- out
		}
	}()

	c := New(NewConn(hostConn))
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
	})

	return c, td
}

func TestDeviceInfo(t *testing.T) {
	c, _ := newDevice(t)

	v, err := c.Version()
	require.NoError(t, err)
	require.Equal(t, "0.9.0", v)

	id, err := c.Identifier()
	require.NoError(t, err)
	require.Equal(t, device, id.DeviceUUID)

	caps, err := c.Caps()
	require.NoError(t, err)
	want := &api.Caps{NoOfBuffers: 2, BufferSize: 8192, BPAKStreamSupport: 1, ChunkTransferMaxBytes: 4096}
	if diff := cmp.Diff(want, caps, cmp.Exporter(func(reflect.Type) bool { return true })); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	slc, keys, err := c.SLC()
	require.NoError(t, err)
	require.Equal(t, api.SLCNotConfigured, slc)
	require.Equal(t, uint32(signingKey), keys.Active[0])
}

func TestWriteReadVerify(t *testing.T) {
	c, _ := newDevice(t)

	require.NoError(t, c.InstallTable(uuid.Nil, 0))

	e, err := c.Part(data)
	require.NoError(t, err)
	require.Equal(t, "data", e.Description())

	img := make([]byte, 3*8192+700)
	_, err = rand.Read(img)
	require.NoError(t, err)

	var moved int
	n, err := c.WritePart(data, bytes.NewReader(img), int(e.BlockSize), func(n int) { moved += n })
	require.NoError(t, err)
	require.Equal(t, uint64(3*8192+1024), n)
	require.Equal(t, int(n), moved)

	padded := append(append([]byte{}, img...), make([]byte, 1024-700)...)
	require.NoError(t, c.Verify(data, sha256.Sum256(padded), uint32(len(padded)), false))

	err = c.Verify(data, sha256.Sum256(img), uint32(len(padded)), false)
	require.True(t, errors.Is(err, api.ErrPartVerifyFailed), "got %v", err)

	out := new(bytes.Buffer)
	require.NoError(t, c.ReadPart(data, out, uint64(len(padded)), nil))
	require.Equal(t, padded, out.Bytes())

	require.True(t, errors.Is(c.Resize(data, 1), api.ErrNotSupported))
}

func TestLockedDevice(t *testing.T) {
	c, td := newDevice(t)

	require.NoError(t, c.SetConfiguration())
	require.NoError(t, c.SetPassword([]byte("correct horse")))
	require.NoError(t, c.SetConfigurationLock())

	require.True(t, errors.Is(c.Activate(systemA), api.ErrNotAuthenticated))

	err := c.Authenticate(api.AuthPassword, 0, []byte("wrong horse"))
	require.True(t, errors.Is(err, api.ErrAuthenticationFailed), "got %v", err)

	digest := sha256.Sum256([]byte(device.String()))
	sig, err := ecdsa.SignASN1(rand.Reader, td.priv, digest[:])
	require.NoError(t, err)
	require.NoError(t, c.Authenticate(api.AuthToken, signingKey, sig))

	require.NoError(t, c.Activate(systemA))

	st, err := c.BootStatus()
	require.NoError(t, err)
	require.Equal(t, systemA, st.UUID)
}

func TestBoard(t *testing.T) {
	c, _ := newDevice(t)

	resp, err := c.BoardCommand(board.CommandID("test-command"), []byte("ping"), 64)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello test-command: ping\n"), resp)

	_, err = c.BoardCommand(board.CommandID("test-command"), []byte("ping"), 16)
	require.True(t, errors.Is(err, api.ErrNoMemory), "got %v", err)

	_, err = c.BoardCommand(board.CommandID("no-such-command"), nil, 16)
	require.True(t, errors.Is(err, api.ErrNotSupported), "got %v", err)

	blob, err := c.BoardStatus()
	require.NoError(t, err)
	st, err := board.DecodeStatus(blob)
	require.NoError(t, err)
	require.Equal(t, api.SLCNotConfigured, st.SLC)
	require.Equal(t, "test", st.BootReason)
}

func TestBootRAM(t *testing.T) {
	c, td := newDevice(t)

	img := bpaktest.Build(t, td.priv, signingKey, keystoreID, hash.SHA256,
		bpaktest.Part{ID: 0xec103b08, LoadAddr: 0x80000000, Data: bytes.Repeat([]byte("kernel"), 2000)},
		bpaktest.Part{ID: 0x56f91b86, LoadAddr: 0x88000000, Data: []byte("device tree")},
	)

	file := append(img.Header.Bytes(), img.Payload()...)

	require.Error(t, c.BootRAM(bytes.NewReader(file[:100]), uuid.Nil, false, nil))

	require.NoError(t, c.BootRAM(bytes.NewReader(file), uuid.Nil, false, nil))

	select {
	case out := <-td.done:
		require.Equal(t, command.Handoff, out.Kind)
		require.Len(t, out.Params.Parts, 2)
	case <-time.After(10 * time.Second):
		t.Fatal("device did not hand off")
	}
}

func TestWriteImageAndBoot(t *testing.T) {
	c, td := newDevice(t)

	img := bpaktest.Build(t, td.priv, signingKey, keystoreID, hash.SHA256,
		bpaktest.Part{ID: 0xec103b08, LoadAddr: 0x80000000, Data: bytes.Repeat([]byte{0xa5}, 20000)},
	)
	file := append(img.Header.Bytes(), img.Payload()...)

	slot, err := c.Part(systemB)
	require.NoError(t, err)

	hdr, err := c.WriteImage(slot, bytes.NewReader(file), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(signingKey), hdr.KeyID)

	_, err = c.WriteImage(slot, bytes.NewReader(file[:bpak.HeaderSize+100]), nil)
	require.True(t, errors.Is(err, ErrShortImage), "got %v", err)

	_, err = c.WriteImage(slot, bytes.NewReader(file), nil)
	require.NoError(t, err)

	got, err := c.BPAK(systemB)
	require.NoError(t, err)
	require.Equal(t, img.Header.Bytes(), got.Bytes())

	require.NoError(t, c.Verify(systemB, sha256.Sum256(file), uint32(len(file)), true))

	_, err = c.BPAK(systemA)
	require.True(t, errors.Is(err, api.ErrNotFound), "got %v", err)

	require.NoError(t, c.Activate(systemB))
	require.NoError(t, c.BootPart(uuid.Nil, false))

	select {
	case out := <-td.done:
		require.Equal(t, command.Handoff, out.Kind)
		require.Equal(t, systemB, out.Params.Partition)
		require.Equal(t, uint64(0x80000000), out.Params.Entry)
	case <-time.After(10 * time.Second):
		t.Fatal("device did not hand off")
	}
}
