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
	"fmt"
	"os"
	"strconv"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/transparency-dev/armored-punchboot/api/client"
)

// progress returns a byte progress bar of total bytes on stderr, and the
// function finishing it. The bar is disabled with --quiet.
func progress(c *cli.Context, total int64) (client.Progress, func()) {
	if c.Bool("quiet") {
		return nil, func() {}
	}

	bar := pb.New64(total).SetTemplate(pb.Full).SetWriter(os.Stderr).Set(pb.Bytes, true).Start()

	return func(n int) { bar.Add(n) }, func() { bar.Finish() }
}

var quietFlag = &cli.BoolFlag{
	Name:    "quiet",
	Aliases: []string{"q"},
	Usage:   "do not show progress",
}

var partFlag = &cli.StringFlag{
	Name:     "part",
	Aliases:  []string{"p"},
	Usage:    "partition uuid",
	Required: true,
}

func partUUID(c *cli.Context) (uuid.UUID, error) {
	return parseUUID(c.String("part"))
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, cli.Exit(fmt.Sprintf("invalid uuid %q: %v", s, err), 1)
	}

	return id, nil
}

// parseKeyID accepts decimal or 0x prefixed key ids.
func parseKeyID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, cli.Exit(fmt.Sprintf("invalid key id %q: %v", s, err), 1)
	}

	return uint32(id), nil
}

// openFile returns the named file and its size.
func openFile(name string) (*os.File, int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, fi.Size(), nil
}
