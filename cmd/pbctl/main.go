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


// pbctl manages punchboot devices: partitions, images, authentication and
// the security life cycle.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/api/client"
)

// Version is set at build time.
var Version = "0.0.0-devel"

// minVersion is the oldest bootloader pbctl talks to.
const minVersion = "0.1.0"

func main() {
	klog.InitFlags(nil)

	app := &cli.App{
		Name:           "pbctl",
		Usage:          "punchboot device control",
		Version:        Version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "bootloader socket address",
				EnvVars: []string{"PBCTL_ADDR"},
				Value:   "127.0.0.1:8812",
			},
			&cli.StringFlag{
				Name:  "network",
				Usage: "bootloader socket network (tcp, unix)",
				Value: "tcp",
			},
			&cli.BoolFlag{
				Name:  "usb",
				Usage: "connect over USB HID instead of a socket",
			},
			&cli.StringFlag{
				Name:  "min-version",
				Usage: "refuse bootloaders older than this version",
				Value: minVersion,
			},
			&cli.IntFlag{
				Name:  "v",
				Usage: "log verbosity",
			},
		},
		Before: func(c *cli.Context) error {
			return flag.Set("v", fmt.Sprint(c.Int("v")))
		},
		Commands: []*cli.Command{
			devCommand(),
			partCommand(),
			bootCommand(),
			authCommand(),
			slcCommand(),
			boardCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	klog.Exitf("pbctl: %v", err)
}

// connect opens the transport selected by the global flags and checks the
// bootloader version.
func connect(c *cli.Context) (*client.Client, error) {
	var (
		t   client.Transport
		err error
	)

	if c.Bool("usb") {
		t, err = client.DetectHID()
	} else {
		t, err = client.Dial(c.String("network"), c.String("addr"))
	}

	if err != nil {
		return nil, err
	}

	dev := client.New(t)

	v, err := dev.Version()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	if err = checkVersion(v, c.String("min-version")); err != nil {
		_ = dev.Close()
		return nil, err
	}

	klog.V(1).Infof("connected to bootloader %s", v)

	return dev, nil
}

func checkVersion(device, min string) error {
	want, err := semver.NewVersion(min)
	if err != nil {
		return fmt.Errorf("invalid minimum version: %v", err)
	}

	got, err := semver.NewVersion(device)
	if err != nil {
		return fmt.Errorf("bootloader reports invalid version %q: %v", device, err)
	}

	if got.LessThan(*want) {
		return cli.Exit(fmt.Sprintf("bootloader %s is older than %s", got, want), 2)
	}

	return nil
}

// run connects and calls f, closing the connection afterwards.
func run(f func(c *cli.Context, dev *client.Client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dev, err := connect(c)
		if err != nil {
			return err
		}
		defer dev.Close()

		return f(c, dev)
	}
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

// forceFlag skips the confirmation of irreversible operations.
var forceFlag = &cli.BoolFlag{
	Name:  "force",
	Usage: "do not ask for confirmation",
}

func confirmed(c *cli.Context, msg string) bool {
	return c.Bool("force") || confirm(msg)
}
