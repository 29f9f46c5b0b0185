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


package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/transparency-dev/armored-punchboot/api/client"
	"github.com/transparency-dev/armored-punchboot/internal/bpak"
)

func partCommand() *cli.Command {
	return &cli.Command{
		Name:  "part",
		Usage: "partition management",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list visible partitions",
				Action: run(partList),
			},
			{
				Name:      "write",
				Usage:     "write a file or a BPAK image to a partition",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					partFlag,
					quietFlag,
					&cli.BoolFlag{
						Name:  "bpak",
						Usage: "write a BPAK image, header to the end of the partition",
					},
				},
				Action: run(partWrite),
			},
			{
				Name:      "read",
				Usage:     "dump a partition to a file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					partFlag,
					quietFlag,
					&cli.Uint64Flag{
						Name:  "size",
						Usage: "number of bytes to read, 0 reads the whole partition",
					},
				},
				Action: run(partRead),
			},
			{
				Name:      "verify",
				Usage:     "compare partition content with a file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					partFlag,
					&cli.BoolFlag{
						Name:  "bpak",
						Usage: "the file is a BPAK image written with --bpak",
					},
				},
				Action: run(partVerify),
			},
			{
				Name:   "activate",
				Usage:  "select the boot partition, the nil uuid disables booting",
				Flags:  []cli.Flag{partFlag},
				Action: run(partActivate),
			},
			{
				Name:  "erase",
				Usage: "zero blocks of a partition",
				Flags: []cli.Flag{
					partFlag,
					forceFlag,
					&cli.UintFlag{Name: "start", Usage: "first block"},
					&cli.UintFlag{Name: "count", Usage: "number of blocks, 0 erases to the end"},
				},
				Action: run(partErase),
			},
			{
				Name:  "install",
				Usage: "install a partition table variant",
				Flags: []cli.Flag{
					forceFlag,
					&cli.StringFlag{Name: "driver", Usage: "storage driver uuid, all drivers when unset"},
					&cli.UintFlag{Name: "variant", Usage: "table variant"},
				},
				Action: run(partInstall),
			},
			{
				Name:   "bpak",
				Usage:  "show the BPAK header of a partition",
				Flags:  []cli.Flag{partFlag},
				Action: run(partBPAK),
			},
		},
	}
}

func partList(_ *cli.Context, dev *client.Client) error {
	entries, err := dev.Table()
	if err != nil {
		return err
	}

	fmt.Printf("%-36s  %-5s  %12s  %s\n", "UUID", "FLAGS", "SIZE", "DESCRIPTION")

	for i := range entries {
		e := &entries[i]
		fmt.Printf("%-36s  %-5s  %12d  %s\n", e.UUID, e.FlagString(), e.Size(), e.Description())
	}

	return nil
}

func partWrite(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("write takes a file name", 1)
	}

	id, err := partUUID(c)
	if err != nil {
		return err
	}

	e, err := dev.Part(id)
	if err != nil {
		return err
	}

	f, size, err := openFile(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	if uint64(size) > e.Size() {
		return cli.Exit(fmt.Sprintf("%d byte file does not fit %d byte partition", size, e.Size()), 1)
	}

	add, done := progress(c, size)
	defer done()

	if c.Bool("bpak") {
		h, err := dev.WriteImage(e, f, add)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "wrote image signed by key %#08x to %s\n", h.KeyID, e.Description())

		return nil
	}

	_, err = dev.WritePart(id, f, int(e.BlockSize), add)

	return err
}

func partRead(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("read takes a file name", 1)
	}

	id, err := partUUID(c)
	if err != nil {
		return err
	}

	e, err := dev.Part(id)
	if err != nil {
		return err
	}

	size := c.Uint64("size")
	if size == 0 {
		size = e.Size()
	}

	f, err := os.Create(c.Args().First())
	if err != nil {
		return err
	}

	add, done := progress(c, int64(size))
	err = dev.ReadPart(id, f, size, add)
	done()

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

func partVerify(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("verify takes a file name", 1)
	}

	id, err := partUUID(c)
	if err != nil {
		return err
	}

	f, size, err := openFile(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	if size > 1<<32-1 {
		return cli.Exit("file too large to verify", 1)
	}

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return err
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	if err = dev.Verify(id, digest, uint32(size), c.Bool("bpak")); err != nil {
		return err
	}

	fmt.Println("verified")

	return nil
}

func partActivate(c *cli.Context, dev *client.Client) error {
	id, err := partUUID(c)
	if err != nil {
		return err
	}

	return dev.Activate(id)
}

func partErase(c *cli.Context, dev *client.Client) error {
	id, err := partUUID(c)
	if err != nil {
		return err
	}

	count := uint32(c.Uint("count"))

	if count == 0 {
		e, err := dev.Part(id)
		if err != nil {
			return err
		}

		count = uint32(e.Blocks() - uint64(c.Uint("start")))
	}

	if !confirmed(c, fmt.Sprintf("erase %d blocks of %s?", count, id)) {
		return nil
	}

	return dev.Erase(id, uint32(c.Uint("start")), count)
}

func partInstall(c *cli.Context, dev *client.Client) error {
	driver, err := parseUUID(c.String("driver"))
	if err != nil {
		return err
	}

	if !confirmed(c, fmt.Sprintf("install table variant %d?", c.Uint("variant"))) {
		return nil
	}

	return dev.InstallTable(driver, uint8(c.Uint("variant")))
}

func partBPAK(c *cli.Context, dev *client.Client) error {
	id, err := partUUID(c)
	if err != nil {
		return err
	}

	h, err := dev.BPAK(id)
	if err != nil {
		return err
	}

	printHeader(h)

	return nil
}

func printHeader(h *bpak.Header) {
	fmt.Printf("Hash ...................: %s\n", h.HashKind)
	fmt.Printf("Key id .................: %#08x\n", h.KeyID)
	fmt.Printf("Keystore id ............: %#08x\n", h.KeystoreID)
	fmt.Printf("Payload ................: %d bytes\n", h.Length())

	for _, p := range h.UsedParts() {
		addr, err := h.LoadAddr(p.ID)

		load := "-"
		if err == nil {
			load = fmt.Sprintf("%#x", addr)
		}

		fmt.Printf("  part %#08x  %10d bytes  load %s\n", p.ID, p.Size, load)
	}
}
