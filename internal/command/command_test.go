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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/internal/board"
	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
	bpaktest "github.com/transparency-dev/armored-punchboot/internal/bpak/testonly"
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
	keystoreID = 0xa90f9680
	signingKey = 0x1c0ffee1

	bufferSize = 4096
	slotBlocks = 128
)

var (
	device       = uuid.MustParse("0a1b2c3d-4e5f-4061-8293-a4b5c6d7e8f9")
	driverID     = uuid.MustParse("a0a0a0a0-0000-4000-8000-000000000001")
	primaryState = uuid.MustParse("f5f8c9ae-efb5-4071-9ba9-d313b082281e")
	backupState  = uuid.MustParse("656ab3fc-5856-4a5e-a2ae-5a018313b3ee")
	systemA      = uuid.MustParse("2af755d8-8de5-45d5-a862-014cfa735ce0")
	systemB      = uuid.MustParse("c046ccd8-0f2e-4036-984d-76c14dc73992")
	rootfs       = uuid.MustParse("ff4ddc6c-ad7a-47e8-8773-6729392dd1b5")
	readonly     = uuid.MustParse("39792aa4-5a4c-4a4e-8e10-5cde3ac8b82c")
)

type served struct {
	out Outcome
	err error
}

type harness struct {
	t *testing.T

	dev   *testonly.MemDev
	disk  *storage.Storage
	fuses *fuse.Fuses
	priv  *ecdsa.PrivateKey

	session *Session
	cancel  context.CancelFunc
	done    chan served

	host net.Conn
}

func newHarness(t *testing.T, tr func(h *harness) transport.Transport) *harness {
	t.Helper()

	h := &harness{t: t, dev: testonly.NewMemDev(t, 1024)}

	rw := storage.FlagWritable | storage.FlagReadable
	slot := rw | storage.FlagVisible | storage.FlagBootable

	d, err := storage.NewDriver(driverID, "mmc0", h.dev,
		[]storage.Partition{
			{UUID: primaryState, Description: "state primary", FirstBlock: 1, LastBlock: 1, Flags: rw},
			{UUID: backupState, Description: "state backup", FirstBlock: 2, LastBlock: 2, Flags: rw},
			{UUID: systemA, Description: "system A", FirstBlock: 64, LastBlock: 64 + slotBlocks - 1, Flags: slot},
			{UUID: systemB, Description: "system B", FirstBlock: 192, LastBlock: 192 + slotBlocks - 1, Flags: slot},
		},
		[]storage.Partition{
			{UUID: rootfs, Description: "rootfs", FirstBlock: 320, LastBlock: 767, Flags: rw | storage.FlagVisible},
			{UUID: readonly, Description: "factory", FirstBlock: 768, LastBlock: 1023, Flags: storage.FlagReadable | storage.FlagVisible},
		},
		[]storage.Partition{
			{UUID: rootfs, Description: "rootfs", FirstBlock: 320, LastBlock: 1023, Flags: rw | storage.FlagVisible},
		},
	)
	require.NoError(t, err)
	h.disk = storage.New(d)

	h.priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ks, err := keystore.New(keystoreID, &keystore.Key{ID: signingKey, Kind: keystore.KindPrime256v1, Public: h.priv.Public()})
	require.NoError(t, err)

	card, err := rpmb.NewEmulated("", 16)
	require.NoError(t, err)
	r, err := rpmb.Open(card, rpmb.DeriveKey([]byte("secret"), device[:]), 0)
	require.NoError(t, err)
	h.fuses, err = fuse.Open(r, 2, 4, device, ks.IDs())
	require.NoError(t, err)

	state, err := boot.OpenState(h.disk, boot.StateConfig{
		Primary: primaryState,
		Backup:  backupState,
		SystemA: systemA,
		SystemB: systemB,
	})
	require.NoError(t, err)

	sim, err := board.NewSimulated("sim", "test", h.fuses, state)
	require.NoError(t, err)

	h.session, err = NewSession(Config{
		Version:      "1.2.3",
		DeviceUUID:   device,
		BufferSize:   bufferSize,
		ReadyTimeout: 200 * time.Millisecond,
		ReadyPoll:    10 * time.Millisecond,
	}, Device{
		Transport: tr(h),
		Storage:   h.disk,
		Fuses:     h.fuses,
		Keys:      ks,
		Boot:      boot.New(boot.NewLoader(ks, h.fuses, 1024), state, h.disk),
		Board:     sim,
		Metrics:   metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	return h
}

// pipe connects the session to the test through net.Pipe.
func pipe(h *harness) transport.Transport {
	dev, host := net.Pipe()
	require.NoError(h.t, host.SetDeadline(time.Now().Add(30*time.Second)))
	h.host = host
	return transport.NewConn(dev)
}

func (h *harness) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan served, 1)

	go func() {
		out, err := h.session.Serve(ctx)
		h.done <- served{out: out, err: err}
	}()

	h.t.Cleanup(func() {
		if h.host != nil {
			_ = h.host.Close()
		}
		cancel()
	})
}

func (h *harness) wait() served {
	h.t.Helper()

	select {
	case s := <-h.done:
		return s
	case <-time.After(10 * time.Second):
		h.t.Fatal("session did not return")
	}
	return served{}
}

func (h *harness) send(cmd api.Command) {
	h.t.Helper()
	_, err := h.host.Write(api.EncodeCommand(cmd))
	require.NoError(h.t, err)
}

func (h *harness) result() (api.Result, []byte) {
	h.t.Helper()
	r, resp, err := api.DecodeResult(h.read(api.FrameSize))
	require.NoError(h.t, err)
	return r, resp
}

func (h *harness) do(cmd api.Command) (api.Result, []byte) {
	h.t.Helper()
	h.send(cmd)
	return h.result()
}

func (h *harness) expect(cmd api.Command, want api.Result) []byte {
	h.t.Helper()
	r, resp := h.do(cmd)
	require.Equal(h.t, want, r, "%v", cmd.Opcode())
	return resp
}

// want reads the next result of a multi-phase command.
func (h *harness) want(r api.Result) []byte {
	h.t.Helper()
	got, resp := h.result()
	require.Equal(h.t, r, got)
	return resp
}

func (h *harness) write(b []byte) {
	h.t.Helper()
	_, err := h.host.Write(b)
	require.NoError(h.t, err)
}

func (h *harness) read(n int) []byte {
	h.t.Helper()
	b := make([]byte, n)
	_, err := io.ReadFull(h.host, b)
	require.NoError(h.t, err)
	return b
}

func (h *harness) version() {
	h.t.Helper()
	resp := h.expect(&api.BootloaderVersionRead{}, api.ResultOK)
	require.Equal(h.t, "1.2.3", api.CString(resp))
}

func (h *harness) lock() {
	h.t.Helper()
	require.NoError(h.t, h.fuses.SetConfiguration())
	require.NoError(h.t, h.fuses.SetConfigurationLock())
}

func (h *harness) token() []byte {
	h.t.Helper()
	digest := sha256.Sum256([]byte(device.String()))
	sig, err := ecdsa.SignASN1(rand.Reader, h.priv, digest[:])
	require.NoError(h.t, err)
	return sig
}

func (h *harness) authenticate(method api.AuthMethod, keyID uint32, cred []byte) api.Result {
	h.t.Helper()
	h.expect(&api.Authenticate{Method: method, Size: uint16(len(cred)), KeyID: keyID}, api.ResultOK)
	h.write(cred)
	r, _ := h.result()
	return r
}

func (h *harness) install() {
	h.t.Helper()
	h.expect(&api.PartTableInstall{Driver: driverID, Variant: 0}, api.ResultOK)
}

func (h *harness) stream(id uuid.UUID, data []byte) {
	h.t.Helper()

	h.expect(&api.StreamInitialize{Partition: id}, api.ResultOK)

	for i, off := uint8(0), 0; off < len(data); i, off = i^1, off+bufferSize {
		chunk := data[off:min(off+bufferSize, len(data))]

		h.expect(&api.StreamPrepareBuffer{Size: uint32(len(chunk)), ID: i}, api.ResultOK)
		h.write(chunk)
		h.want(api.ResultOK)

		h.expect(&api.StreamWriteBuffer{Size: uint32(len(chunk)), Offset: uint64(off), BufferID: i}, api.ResultOK)
	}

	h.expect(&api.StreamFinalize{}, api.ResultOK)
}

func TestLockedGating(t *testing.T) {
	h := newHarness(t, pipe)
	h.lock()
	h.serve()

	writes := h.dev.Writes

	h.expect(&api.DeviceReset{}, api.ResultNotAuthenticated)
	h.expect(&api.PartErase{Partition: systemA, BlockCount: 8}, api.ResultNotAuthenticated)
	h.expect(&api.PartActivate{Partition: systemA}, api.ResultNotAuthenticated)
	h.expect(&api.StreamWriteBuffer{Size: 512}, api.ResultNotAuthenticated)
	require.Equal(t, writes, h.dev.Writes, "gated commands reached storage")

	h.version()

	// ungated commands still work
	caps := &api.Caps{}
	require.NoError(t, api.UnmarshalResponse(h.expect(&api.DeviceReadCaps{}, api.ResultOK), caps))
	require.Equal(t, uint8(2), caps.NoOfBuffers)
	require.Equal(t, uint32(bufferSize), caps.BufferSize)
	require.Equal(t, uint32(bufferSize), caps.ChunkTransferMaxBytes)

	id := &api.DeviceIdentifier{}
	require.NoError(t, api.UnmarshalResponse(h.expect(&api.DeviceIdentifierRead{}, api.ResultOK), id))
	require.Equal(t, device, id.DeviceUUID)
	require.Equal(t, "sim", id.Board())
}

func TestTokenAuthentication(t *testing.T) {
	h := newHarness(t, pipe)
	h.lock()
	h.serve()

	bad := h.token()
	bad[len(bad)-1] ^= 0xff
	require.Equal(t, api.ResultAuthenticationFailed, h.authenticate(api.AuthToken, signingKey, bad))
	h.expect(&api.DeviceReset{}, api.ResultNotAuthenticated)

	require.Equal(t, api.ResultAuthenticationFailed, h.authenticate(api.AuthToken, 0x12345678, h.token()))

	h.expect(&api.Authenticate{Method: api.AuthToken, Size: 0, KeyID: signingKey}, api.ResultInvalidArgument)
	h.expect(&api.Authenticate{Method: api.AuthToken, Size: 2048, KeyID: signingKey}, api.ResultInvalidArgument)

	require.Equal(t, api.ResultOK, h.authenticate(api.AuthToken, signingKey, h.token()))

	h.expect(&api.DeviceReset{}, api.ResultOK)
	require.Equal(t, served{out: Outcome{Kind: Reset}}, h.wait())
}

func TestPasswordAuthentication(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	h.expect(&api.AuthSetOTPPassword{Size: 7}, api.ResultOK)
	h.write([]byte("hunter2"))
	h.want(api.ResultOK)

	require.NoError(t, h.fuses.SetConfiguration())
	require.NoError(t, h.fuses.SetConfigurationLock())

	require.Equal(t, api.ResultAuthenticationFailed, h.authenticate(api.AuthPassword, 0, []byte("hunter3")))
	require.Equal(t, api.ResultOK, h.authenticate(api.AuthPassword, 0, []byte("hunter2")))

	h.expect(&api.PartActivate{Partition: systemB}, api.ResultOK)
}

func TestReconnectDropsAuthentication(t *testing.T) {
	var sock *transport.Socket

	h := newHarness(t, func(*harness) transport.Transport {
		sock = transport.NewSocket("tcp", "127.0.0.1:0")
		require.NoError(t, sock.Init())
		return sock
	})
	h.session.cfg.ReadyTimeout = 0
	h.lock()
	h.serve()
	t.Cleanup(func() { _ = sock.Shutdown() })

	dial := func() {
		var err error
		h.host, err = net.Dial("tcp", sock.Addr().String())
		require.NoError(t, err)
		require.NoError(t, h.host.SetDeadline(time.Now().Add(30*time.Second)))
	}

	dial()
	require.Equal(t, api.ResultOK, h.authenticate(api.AuthToken, signingKey, h.token()))
	h.expect(&api.PartActivate{Partition: systemA}, api.ResultOK)
	require.NoError(t, h.host.Close())

	dial()
	h.expect(&api.PartActivate{Partition: systemA}, api.ResultNotAuthenticated)
}

func TestTableRead(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	readTable := func(n uint8) []uuid.UUID {
		resp := h.expect(&api.PartTableRead{MaxEntries: n}, api.ResultOK)

		res := &api.TableReadResult{}
		require.NoError(t, api.UnmarshalResponse(resp, res))

		data := h.read(int(res.NoOfEntries) * api.TableEntrySize)

		var ids []uuid.UUID
		for i := 0; i < int(res.NoOfEntries); i++ {
			e := &api.PartitionEntry{}
			require.NoError(t, api.UnmarshalResponse(data[i*api.TableEntrySize:], e))
			require.Equal(t, uint16(testonly.MemBlockSize), e.BlockSize)
			ids = append(ids, e.UUID)
		}

		h.want(api.ResultOK)

		return ids
	}

	require.Equal(t, []uuid.UUID{systemA, systemB}, readTable(0))

	h.install()

	want := []uuid.UUID{systemA, systemB, rootfs, readonly}
	require.Equal(t, want, readTable(api.MaxTableEntries))
	require.Equal(t, want, readTable(api.MaxTableEntries), "table order is not stable")

	h.expect(&api.PartTableRead{MaxEntries: 3}, api.ResultNoMemory)

	h.expect(&api.PartTableInstall{Driver: uuid.New()}, api.ResultNotFound)
	h.expect(&api.PartTableInstall{Driver: driverID, Variant: 7}, api.ResultInvalidArgument)
	h.version()
}

func TestStreamAndVerify(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()
	h.install()

	file := make([]byte, 2*bufferSize+1024)
	_, err := rand.Read(file)
	require.NoError(t, err)

	h.stream(rootfs, file)

	p, _, err := h.disk.Part(rootfs)
	require.NoError(t, err)
	require.Equal(t, file, h.dev.Bytes(p.FirstBlock, uint64(len(file)/testonly.MemBlockSize)))

	digest := sha256.Sum256(file)
	h.expect(&api.PartVerify{Partition: rootfs, SHA256: digest, Size: uint32(len(file))}, api.ResultOK)

	digest[0] ^= 1
	h.expect(&api.PartVerify{Partition: rootfs, SHA256: digest, Size: uint32(len(file))}, api.ResultPartVerifyFailed)

	// read back through the second buffer
	h.expect(&api.StreamInitialize{Partition: rootfs}, api.ResultOK)
	h.expect(&api.StreamReadBuffer{Size: bufferSize, Offset: bufferSize, BufferID: 1}, api.ResultOK)
	require.Equal(t, file[bufferSize:2*bufferSize], h.read(bufferSize))
	h.want(api.ResultOK)
	h.expect(&api.StreamFinalize{}, api.ResultOK)
	h.expect(&api.StreamFinalize{}, api.ResultOK)

	// a verify between prepare and write reuses buffer 0, the staged chunk
	// must be prepared again before it can be written
	chunk := make([]byte, 512)
	h.expect(&api.StreamInitialize{Partition: rootfs}, api.ResultOK)
	h.expect(&api.StreamPrepareBuffer{Size: 512, ID: 0}, api.ResultOK)
	h.write(chunk)
	h.want(api.ResultOK)

	digest[0] ^= 1
	h.expect(&api.PartVerify{Partition: rootfs, SHA256: digest, Size: uint32(len(file))}, api.ResultOK)

	writes := h.dev.Writes
	h.expect(&api.StreamWriteBuffer{Size: 512, BufferID: 0}, api.ResultInvalidArgument)
	require.Equal(t, writes, h.dev.Writes, "stale buffer reached storage")

	h.expect(&api.StreamPrepareBuffer{Size: 512, ID: 0}, api.ResultOK)
	h.write(chunk)
	h.want(api.ResultOK)
	h.expect(&api.StreamWriteBuffer{Size: 512, BufferID: 0}, api.ResultOK)
	h.expect(&api.StreamFinalize{}, api.ResultOK)
}

func TestStreamBounds(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()
	h.install()

	h.expect(&api.StreamWriteBuffer{Size: 512}, api.ResultStreamNotInitialized)

	h.expect(&api.StreamPrepareBuffer{Size: bufferSize + 1, ID: 0}, api.ResultNoMemory)
	h.expect(&api.StreamPrepareBuffer{Size: 512, ID: 2}, api.ResultNoMemory)
	// nothing was read for the rejected prepares
	h.version()

	h.expect(&api.StreamInitialize{Partition: rootfs}, api.ResultOK)

	writes := h.dev.Writes
	rootfsBytes := uint64(448 * testonly.MemBlockSize)

	for _, c := range []struct {
		cmd  *api.StreamWriteBuffer
		want api.Result
	}{
		{&api.StreamWriteBuffer{Size: 1024, Offset: rootfsBytes - 512}, api.ResultInvalidArgument},
		{&api.StreamWriteBuffer{Size: 512, Offset: rootfsBytes}, api.ResultInvalidArgument},
		{&api.StreamWriteBuffer{Size: 100, Offset: 0}, api.ResultInvalidArgument},
		{&api.StreamWriteBuffer{Size: 512, Offset: 100}, api.ResultInvalidArgument},
		{&api.StreamWriteBuffer{Size: 512, BufferID: 3}, api.ResultNoMemory},
	} {
		h.expect(c.cmd, c.want)
	}
	require.Equal(t, writes, h.dev.Writes, "rejected writes reached storage")

	h.expect(&api.StreamInitialize{Partition: readonly}, api.ResultOK)
	h.expect(&api.StreamWriteBuffer{Size: 512}, api.ResultIOError)
	h.expect(&api.StreamInitialize{Partition: uuid.New()}, api.ResultNotFound)
}

func TestActivate(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()
	h.install()

	h.expect(&api.PartActivate{Partition: rootfs}, api.ResultPartNotBootable)
	h.expect(&api.PartActivate{Partition: systemB}, api.ResultOK)

	st := &api.BootStatusResult{}
	require.NoError(t, api.UnmarshalResponse(h.expect(&api.BootStatus{}, api.ResultOK), st))
	require.Equal(t, systemB, st.UUID)
	require.Equal(t, "B", st.Message())

	h.expect(&api.PartActivate{Partition: uuid.Nil}, api.ResultOK)
	require.NoError(t, api.UnmarshalResponse(h.expect(&api.BootStatus{}, api.ResultOK), st))
	require.Equal(t, "None", st.Message())
}

func TestErase(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()
	h.install()

	p, _, err := h.disk.Part(rootfs)
	require.NoError(t, err)
	h.dev.Storage[p.FirstBlock+4][0] = 0xaa

	h.expect(&api.PartErase{Partition: rootfs, StartLBA: 4, BlockCount: 2}, api.ResultOK)
	require.Equal(t, byte(0), h.dev.Storage[p.FirstBlock+4][0])

	h.expect(&api.PartErase{Partition: rootfs, StartLBA: 440, BlockCount: 10}, api.ResultInvalidArgument)
	h.expect(&api.PartErase{Partition: readonly, BlockCount: 1}, api.ResultIOError)
	h.expect(&api.PartResize{Partition: rootfs, Blocks: 10}, api.ResultNotSupported)
}

func (h *harness) image() *bpaktest.Image {
	return bpaktest.Build(h.t, h.priv, signingKey, keystoreID, hash.SHA256,
		bpaktest.Part{ID: 0xec103b08, LoadAddr: 0x80000000, Data: bytes.Repeat([]byte("kernel"), 700)},
		bpaktest.Part{ID: 0x56f91b86, LoadAddr: 0x88000000, Data: []byte("device tree")},
	)
}

func TestBootRAM(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	// a corrupt header fails once and the loop carries on
	h.expect(&api.BootRAM{}, api.ResultOK)
	h.write(make([]byte, bpak.HeaderSize))
	h.want(api.ResultError)
	h.version()

	img := h.image()

	h.expect(&api.BootRAM{Verbose: true}, api.ResultOK)
	h.write(img.Header.Bytes())
	h.want(api.ResultOK)

	for _, part := range img.Parts {
		h.write(part)
		h.want(api.ResultOK)
	}

	// payload check, then the final result
	h.want(api.ResultOK)
	h.want(api.ResultOK)

	s := h.wait()
	require.NoError(t, s.err)
	require.Equal(t, Handoff, s.out.Kind)
	require.Equal(t, boot.SourceTransport, s.out.Params.Source)
	require.Equal(t, uint64(0x80000000), s.out.Params.Entry)
	require.True(t, s.out.Params.Verbose)
}

func TestBootPart(t *testing.T) {
	h := newHarness(t, pipe)

	p, d, err := h.disk.Part(systemA)
	require.NoError(t, err)
	require.NoError(t, d.Write(p, h.image().PartitionBytes(t, slotBlocks*testonly.MemBlockSize), 0))

	h.serve()

	// no active slot yet
	h.expect(&api.BootPart{}, api.ResultError)
	h.expect(&api.PartActivate{Partition: systemA}, api.ResultOK)

	raw := h.expect(&api.PartBPAKRead{Partition: systemA}, api.ResultOK)
	require.Equal(t, make([]byte, api.ResponseSize), raw)
	hdr, err := bpak.Parse(h.read(bpak.HeaderSize))
	require.NoError(t, err)
	require.Equal(t, uint32(signingKey), hdr.KeyID)
	h.want(api.ResultOK)

	h.expect(&api.PartBPAKRead{Partition: systemB}, api.ResultNotFound)

	h.expect(&api.BootPart{}, api.ResultOK)

	s := h.wait()
	require.NoError(t, s.err)
	require.Equal(t, Handoff, s.out.Kind)
	require.Equal(t, systemA, s.out.Params.Partition)
	require.Len(t, s.out.Params.Parts, 2)
}

func TestSLC(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	readSLC := func() (api.SLC, *api.KeyStatus) {
		res := &api.SLCResult{}
		require.NoError(t, api.UnmarshalResponse(h.expect(&api.SLCRead{}, api.ResultOK), res))

		ks := &api.KeyStatus{}
		require.NoError(t, api.UnmarshalResponse(h.read(128), ks))

		h.want(api.ResultOK)

		return res.SLC, ks
	}

	slc, ks := readSLC()
	require.Equal(t, api.SLCNotConfigured, slc)
	require.Equal(t, uint32(signingKey), ks.Active[0])

	h.expect(&api.SLCSetConfigurationLock{}, api.ResultError)
	h.expect(&api.SLCSetConfiguration{}, api.ResultOK)
	h.expect(&api.SLCRevokeKey{KeyID: signingKey}, api.ResultOK)

	slc, ks = readSLC()
	require.Equal(t, api.SLCConfiguration, slc)
	require.Equal(t, uint32(signingKey), ks.Revoked[0])

	h.expect(&api.SLCSetConfigurationLock{}, api.ResultOK)

	// the revoked key can no longer authenticate
	require.Equal(t, api.ResultKeyRevoked, h.authenticate(api.AuthToken, signingKey, h.token()))
}

func TestBoard(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	h.expect(&api.BoardCommand{Command: board.CommandID("test-command"), RequestSize: 5, ResponseBufferSize: 64}, api.ResultOK)
	h.write([]byte("hello"))

	res := &api.BoardResult{}
	require.NoError(t, api.UnmarshalResponse(h.want(api.ResultOK), res))
	want := []byte("Hello test-command: hello\n")
	require.Equal(t, uint32(len(want)), res.Size)
	require.Equal(t, want, h.read(len(want)))
	h.want(api.ResultOK)

	// a reply larger than the response buffer is rejected, not truncated
	h.expect(&api.BoardCommand{Command: board.CommandID("test-command"), RequestSize: 5, ResponseBufferSize: 8}, api.ResultOK)
	h.write([]byte("hello"))
	h.want(api.ResultNoMemory)

	h.expect(&api.BoardCommand{Command: 0x1234}, api.ResultOK)
	h.want(api.ResultNotSupported)

	h.expect(&api.BoardCommand{RequestSize: bufferSize + 1}, api.ResultInvalidArgument)

	require.NoError(t, api.UnmarshalResponse(h.expect(&api.BoardStatusRead{}, api.ResultOK), res))
	status, err := board.DecodeStatus(h.read(int(res.Size)))
	require.NoError(t, err)
	require.Equal(t, uint32(1), status.BootCount)
	h.want(api.ResultOK)
}

func TestIncompleteDevice(t *testing.T) {
	h := newHarness(t, pipe)

	dev := h.session.dev
	dev.Keys = nil

	_, err := NewSession(h.session.cfg, dev)
	require.Error(t, err)
}

func TestInvalidFrames(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	frame := api.EncodeCommand(&api.BootloaderVersionRead{})
	frame[0] ^= 0xff
	h.write(frame)
	h.want(api.ResultInvalidCommand)

	frame = api.EncodeCommand(&api.BootloaderVersionRead{})
	frame[4] = 0xee
	h.write(frame)
	h.want(api.ResultInvalidCommand)

	h.version()
}

func TestReadyTimeoutResets(t *testing.T) {
	h := newHarness(t, pipe)
	h.serve()

	h.version()
	require.NoError(t, h.host.Close())

	require.Equal(t, served{out: Outcome{Kind: Reset}}, h.wait())
}
