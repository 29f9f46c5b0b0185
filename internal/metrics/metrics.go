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

// Package metrics holds the bootloader prometheus collectors.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/transparency-dev/armored-punchboot/api"
)

const namespace = "punchboot"

// Metrics are the command loop collectors.
type Metrics struct {
	commands     *prom.CounterVec
	integrity    *prom.CounterVec
	authFailures *prom.CounterVec
	streamed     *prom.CounterVec
	latency      *prom.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prom.Registerer) *Metrics {
	m := &Metrics{
		commands: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of commands processed, by opcode and result.",
		}, []string{"opcode", "result"}),
		integrity: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_events_total",
			Help:      "Number of failed integrity checks, by result.",
		}, []string{"result"}),
		authFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Number of failed authentication attempts, by method.",
		}, []string{"method"}),
		streamed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "streamed_bytes_total",
			Help:      "Number of partition bytes streamed, by direction.",
		}, []string{"direction"}),
		latency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command processing time, by opcode.",
			Buckets:   prom.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"opcode"}),
	}

	reg.MustRegister(m.commands, m.integrity, m.authFailures, m.streamed, m.latency)

	return m
}

// Integrity reports whether r is a security relevant failure.
func Integrity(r api.Result) bool {
	switch r {
	case api.ResultPartVerifyFailed, api.ResultSignatureError, api.ResultKeyRevoked, api.ResultAuthenticationFailed:
		return true
	}
	return false
}

// Command records the outcome of a command.
func (m *Metrics) Command(op api.Opcode, r api.Result, d time.Duration) {
	m.commands.WithLabelValues(op.String(), r.String()).Inc()
	m.latency.WithLabelValues(op.String()).Observe(d.Seconds())

	if Integrity(r) {
		m.integrity.WithLabelValues(r.String()).Inc()
	}
}

// AuthFailure records a failed authentication.
func (m *Metrics) AuthFailure(method api.AuthMethod) {
	m.authFailures.WithLabelValues(method.String()).Inc()
}

// Streamed records n bytes written to ("write") or read from ("read")
// storage.
func (m *Metrics) Streamed(direction string, n int) {
	m.streamed.WithLabelValues(direction).Add(float64(n))
}
