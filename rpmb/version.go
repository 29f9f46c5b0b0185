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

package rpmb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"
)

// ErrRollback is returned when running a version older than the one
// recorded.
var ErrRollback = errors.New("version rollback")

// expectedVersion returns the version recorded in sector, nil if none.
func (p *RPMB) expectedVersion(sector uint16) (*semver.Version, error) {
	buf := make([]byte, SectorLength)

	if err := p.Read(sector, buf); err != nil {
		return nil, err
	}

	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	if len(buf) == 0 {
		return nil, nil
	}

	return semver.NewVersion(string(buf))
}

// CheckVersion verifies the running version against the one recorded in
// sector.
//
// If the running version is older than the recorded one an error is
// returned, if it is more recent the record is updated.
func (p *RPMB) CheckVersion(sector uint16, running *semver.Version) error {
	expected, err := p.expectedVersion(sector)
	if err != nil {
		return fmt.Errorf("could not read version record: %v", err)
	}

	switch {
	case expected == nil:
	case running.LessThan(*expected):
		return fmt.Errorf("%w: running %s, recorded %s", ErrRollback, running, expected)
	case running.Equal(*expected):
		return nil
	}

	klog.Infof("SM recording version %s", running)

	return p.Write(sector, []byte(running.String()))
}
