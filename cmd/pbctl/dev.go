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
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/transparency-dev/armored-punchboot/api"
	"github.com/transparency-dev/armored-punchboot/api/client"
)

func devCommand() *cli.Command {
	return &cli.Command{
		Name:  "dev",
		Usage: "device information and reset",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "show device identity, version and capabilities",
				Action: run(devShow),
			},
			{
				Name:   "reset",
				Usage:  "reset the device",
				Flags:  []cli.Flag{forceFlag},
				Action: run(devReset),
			},
		},
	}
}

func devShow(_ *cli.Context, dev *client.Client) error {
	v, err := dev.Version()
	if err != nil {
		return err
	}

	id, err := dev.Identifier()
	if err != nil {
		return err
	}

	slc, _, err := dev.SLC()
	if err != nil {
		return err
	}

	caps, err := dev.Caps()
	if err != nil {
		return err
	}

	fmt.Println(id.Print(v, slc))
	fmt.Printf("Stream buffers .........: %d x %d bytes\n", caps.NoOfBuffers, caps.BufferSize)
	fmt.Printf("Transfer chunk .........: %d bytes\n", caps.ChunkTransferMaxBytes)

	return nil
}

func devReset(c *cli.Context, dev *client.Client) error {
	if !confirmed(c, "reset device?") {
		return nil
	}

	return dev.Reset()
}

func slcCommand() *cli.Command {
	return &cli.Command{
		Name:  "slc",
		Usage: "security life cycle",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "show life cycle and key status",
				Action: run(slcShow),
			},
			{
				Name:   "set-configuration",
				Usage:  "enter the configuration life cycle",
				Flags:  []cli.Flag{forceFlag},
				Action: run(slcTransition("enter configuration", (*client.Client).SetConfiguration)),
			},
			{
				Name:   "set-configuration-lock",
				Usage:  "lock the configuration, this is irreversible",
				Flags:  []cli.Flag{forceFlag},
				Action: run(slcTransition("lock device configuration, this is IRREVERSIBLE", (*client.Client).SetConfigurationLock)),
			},
			{
				Name:   "set-eol",
				Usage:  "end the device life, this is irreversible",
				Flags:  []cli.Flag{forceFlag},
				Action: run(slcTransition("end device life, this is IRREVERSIBLE", (*client.Client).SetEOL)),
			},
			{
				Name:      "revoke-key",
				Usage:     "revoke a signing key, this is irreversible",
				ArgsUsage: "<key id>",
				Flags:     []cli.Flag{forceFlag},
				Action:    run(slcRevokeKey),
			},
		},
	}
}

func slcShow(_ *cli.Context, dev *client.Client) error {
	slc, keys, err := dev.SLC()
	if err != nil {
		return err
	}

	fmt.Printf("Security life cycle ....: %s\n", slc)
	fmt.Printf("Active keys ............: %s\n", keyList(keys.Active[:]))
	fmt.Printf("Revoked keys ...........: %s\n", keyList(keys.Revoked[:]))

	return nil
}

func keyList(ids []uint32) string {
	var s []string

	for _, id := range ids {
		if id != 0 {
			s = append(s, fmt.Sprintf("%#08x", id))
		}
	}

	if len(s) == 0 {
		return "none"
	}

	return strings.Join(s, " ")
}

func slcTransition(what string, f func(*client.Client) error) func(*cli.Context, *client.Client) error {
	return func(c *cli.Context, dev *client.Client) error {
		if !confirmed(c, what+"?") {
			return nil
		}

		return f(dev)
	}
}

func slcRevokeKey(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("revoke-key takes a key id", 1)
	}

	id, err := parseKeyID(c.Args().First())
	if err != nil {
		return err
	}

	if !confirmed(c, fmt.Sprintf("revoke key %#08x, this is IRREVERSIBLE?", id)) {
		return nil
	}

	return dev.RevokeKey(id)
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "authenticate to a locked device",
		Subcommands: []*cli.Command{
			{
				Name:      "token",
				Usage:     "authenticate with a token signed by a keystore key",
				ArgsUsage: "<key id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "key",
						Usage: "PEM private key signing the token",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "pre-signed token file",
					},
				},
				Action: run(authToken),
			},
			{
				Name:   "password",
				Usage:  "authenticate with the device password",
				Action: run(authPassword),
			},
			{
				Name:   "set-password",
				Usage:  "set the device password, this can only be done once",
				Flags:  []cli.Flag{forceFlag},
				Action: run(authSetPassword),
			},
		},
	}
}

// signToken signs the device uuid string with the PEM encoded key.
func signToken(keyFile string, id string) ([]byte, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", keyFile)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if key, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
			return nil, fmt.Errorf("%s: %v", keyFile, err)
		}
	}

	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: %T keys cannot sign tokens", keyFile, key)
	}

	digest := sha256.Sum256([]byte(id))

	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func authToken(c *cli.Context, dev *client.Client) error {
	if c.NArg() != 1 {
		return cli.Exit("token takes a key id", 1)
	}

	keyID, err := parseKeyID(c.Args().First())
	if err != nil {
		return err
	}

	var token []byte

	switch {
	case c.String("token") != "":
		token, err = os.ReadFile(c.String("token"))
	case c.String("key") != "":
		var id *api.DeviceIdentifier
		if id, err = dev.Identifier(); err == nil {
			token, err = signToken(c.String("key"), id.DeviceUUID.String())
		}
	default:
		return cli.Exit("one of --key or --token is required", 1)
	}

	if err != nil {
		return err
	}

	return dev.Authenticate(api.AuthToken, keyID, token)
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, err
	}

	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}

	return pw, nil
}

func authPassword(_ *cli.Context, dev *client.Client) error {
	pw, err := readPassword("password: ")
	if err != nil {
		return err
	}

	return dev.Authenticate(api.AuthPassword, 0, pw)
}

func authSetPassword(c *cli.Context, dev *client.Client) error {
	pw, err := readPassword("new password: ")
	if err != nil {
		return err
	}

	again, err := readPassword("repeat password: ")
	if err != nil {
		return err
	}

	if string(pw) != string(again) {
		return cli.Exit("passwords do not match", 1)
	}

	if !confirmed(c, "set the device password, it cannot be changed?") {
		return nil
	}

	return dev.SetPassword(pw)
}
