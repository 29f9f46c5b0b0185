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
	"encoding/hex"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/transparency-dev/armored-punchboot/api/client"
	"github.com/transparency-dev/armored-punchboot/internal/board"
)

var verboseBootFlag = &cli.BoolFlag{
	Name:  "verbose-boot",
	Usage: "ask the bootloader for a verbose boot",
}

func bootCommand() *cli.Command {
	return &cli.Command{
		Name:  "boot",
		Usage: "boot images",
		Subcommands: []*cli.Command{
			{
				Name:  "part",
				Usage: "boot a partition, the active slot when --part is unset",
				Flags: []cli.Flag{
					verboseBootFlag,
					&cli.StringFlag{Name: "part", Aliases: []string{"p"}, Usage: "partition uuid"},
				},
				Action: run(bootPart),
			},
			{
				Name:      "ram",
				Usage:     "boot a BPAK image without storing it",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					verboseBootFlag,
					quietFlag,
					&cli.StringFlag{Name: "part", Aliases: []string{"p"}, Usage: "partition uuid reported to the image"},
				},
				Action: run(bootRAM),
			},
			{
				Name:   "status",
				Usage:  "show the active boot slot",
				Action: run(bootStatus),
			},
		},
	}
}

func bootPart(c *cli.Context, dev *client.Client) error {
	id, err := parseUUID(c.String("part"))
	if err != nil {
		return err
	}

	return dev.BootPart(id, c.Bool("verbose-boot"))
}

func bootRAM(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("ram takes an image file", 1)
	}

	id, err := parseUUID(c.String("part"))
	if err != nil {
		return err
	}

	f, size, err := openFile(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	add, done := progress(c, size)
	defer done()

	return dev.BootRAM(f, id, c.Bool("verbose-boot"), add)
}

func bootStatus(_ *cli.Context, dev *client.Client) error {
	st, err := dev.BootStatus()
	if err != nil {
		return err
	}

	fmt.Printf("Active slot ............: %s\n", st.UUID)
	fmt.Printf("Status .................: %s\n", st.Message())

	return nil
}

func boardCommand() *cli.Command {
	return &cli.Command{
		Name:  "board",
		Usage: "board specific commands",
		Subcommands: []*cli.Command{
			{
				Name:      "command",
				Usage:     "run a board command, printing its response in hex",
				ArgsUsage: "<name> [request hex]",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "response-size", Usage: "response buffer size", Value: 1024},
				},
				Action: run(boardRun),
			},
			{
				Name:   "status",
				Usage:  "show the board status",
				Action: run(boardStatus),
			},
		},
	}
}

func boardRun(c *cli.Context, dev *client.Client) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return cli.Exit("command takes a name and an optional hex request", 1)
	}

	var req []byte

	if c.NArg() == 2 {
		var err error
		if req, err = hex.DecodeString(c.Args().Get(1)); err != nil {
			return cli.Exit(fmt.Sprintf("invalid request: %v", err), 1)
		}
	}

	resp, err := dev.BoardCommand(board.CommandID(c.Args().First()), req, uint32(c.Uint("response-size")))
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, hex.Dump(resp))

	return nil
}

func boardStatus(_ *cli.Context, dev *client.Client) error {
	blob, err := dev.BoardStatus()
	if err != nil {
		return err
	}

	st, err := board.DecodeStatus(blob)
	if err != nil {
		return err
	}

	fmt.Println(st)

	return nil
}
