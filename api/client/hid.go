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
	"time"

	flynn_hid "github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"

	"github.com/transparency-dev/armored-punchboot/api"
)

const (
	// hidPoll is the delay between polls for pending device output.
	hidPoll = 5 * time.Millisecond
	// hidTimeout bounds the wait for device output.
	hidTimeout = 30 * time.Second
)

// HID is a Transport over the U2F HID interface of a device. Protocol bytes
// travel in vendor frames, device output is returned in the reply to any
// frame and polled for with empty frames.
type HID struct {
	dev *u2fhid.Device
	rx  []byte
}

// DetectHID opens the first attached punchboot device.
func DetectHID() (*HID, error) {
	devices, err := flynn_hid.Devices()
	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		if d.UsagePage == api.HIDUsagePage &&
			d.VendorID == api.VendorID &&
			d.ProductID == api.ProductID {

			dev, err := u2fhid.Open(d)
			if err != nil {
				return nil, err
			}

			return &HID{dev: dev}, nil
		}
	}

	return nil, errors.New("no device found")
}

func (h *HID) command(data []byte) error {
	res, err := h.dev.Command(api.U2FHIDVendorFrame, data)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransfer, err)
	}

	h.rx = append(h.rx, res...)

	return nil
}

func (h *HID) Write(buf []byte) error {
	for len(buf) > 0 {
		n := min(len(buf), api.MaxMessageSize)

		if err := h.command(buf[:n]); err != nil {
			return err
		}

		buf = buf[n:]
	}

	return nil
}

func (h *HID) Read(buf []byte) error {
	deadline := time.Now().Add(hidTimeout)

	for len(h.rx) < len(buf) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waiting for %d bytes", api.ErrTimeout, len(buf)-len(h.rx))
		}

		n := len(h.rx)

		if err := h.command(nil); err != nil {
			return err
		}

		if len(h.rx) == n {
			time.Sleep(hidPoll)
		}
	}

	copy(buf, h.rx)
	h.rx = h.rx[len(buf):]

	return nil
}

func (h *HID) Close() error {
	h.dev.Close()
	return nil
}
