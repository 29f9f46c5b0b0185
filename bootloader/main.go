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


// bootloader runs the punchboot command loop on simulated hardware: storage
// is backed by files or a badger database, the RPMB by an emulated card and
// the control interface by a socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/coreos/go-semver/semver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-punchboot/internal/boot"
	"github.com/transparency-dev/armored-punchboot/internal/command"
	"github.com/transparency-dev/armored-punchboot/internal/metrics"
)

// initialized at compile time
var (
	Build    string
	Revision string
	Version  = "0.1.0"
)

var (
	configFile  = flag.String("config", "bootloader.yaml", "device configuration file")
	listen      = flag.String("listen", "", "override the control socket address")
	metricsAddr = flag.String("metrics_addr", "", "override the metrics listen address")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		klog.Exitf("PB %v", err)
	}

	if *listen != "" {
		cfg.Transport.Address = *listen
	}

	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	version, err := semver.NewVersion(Version)
	if err != nil {
		klog.Exitf("PB invalid build version %q: %v", Version, err)
	}

	klog.Infof("PB %s/%s (%s) • punchboot %s • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		version, Revision, Build)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				klog.Errorf("PB metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reason := "power-on"

	for {
		out, err := run(ctx, cfg, version, m, reason)

		switch {
		case errors.Is(err, context.Canceled):
			klog.Infof("PB shutting down")
			return
		case err != nil:
			klog.Exitf("PB %v", err)
		}

		switch out.Kind {
		case command.Reset:
			klog.Infof("PB reset")
			reason = "reset"
		case command.Handoff:
			if err := handoff(cfg, out.Params); err != nil {
				klog.Exitf("PB handoff failed: %v", err)
			}
			return
		}
	}
}

// run brings the device up and serves hosts until a reset or a hand off.
func run(ctx context.Context, cfg *Config, version *semver.Version, m *metrics.Metrics, reason string) (command.Outcome, error) {
	d, err := open(cfg, version, reason)
	if err != nil {
		return command.Outcome{}, err
	}
	defer d.Close()

	s, err := command.NewSession(command.Config{
		Version:          version.String(),
		DeviceUUID:       cfg.DeviceUUID,
		BufferSize:       cfg.Stream.BufferSize,
		ChunkTransferMax: cfg.Stream.ChunkTransferMax,
		OperationTimeout: cfg.Transport.OperationTimeout,
		EraseTimeout:     cfg.Transport.EraseTimeout,
		ReadyTimeout:     cfg.Transport.ReadyTimeout,
		AuthMethods:      d.authMethods,
	}, command.Device{
		Transport: d.socket,
		Storage:   d.storage,
		Fuses:     d.fuses,
		Keys:      d.keys,
		Boot:      d.boot,
		Board:     d.board,
		Metrics:   m,
	})
	if err != nil {
		return command.Outcome{}, err
	}

	klog.Infof("PB waiting for host on %s", d.socket.Addr())

	return s.Serve(ctx)
}

// dumpName names the handoff dump of part: load address, then part id.
func dumpName(part boot.Part) string {
	return fmt.Sprintf("%x-%08x.bin", part.LoadAddr, part.ID)
}

// handoff stands in for the jump to the loaded image: the parts are dumped
// to the handoff directory, when configured.
func handoff(cfg *Config, p *boot.Params) error {
	klog.Infof("PB booting %s image from %s, entry %#x", p.Source, p.Partition, p.Entry)

	for _, part := range p.Parts {
		klog.Infof("PB   part %#08x: %d bytes @ %#x", part.ID, len(part.Data), part.LoadAddr)
	}

	if cfg.Handoff.Dir == "" {
		return nil
	}

	if err := os.MkdirAll(cfg.Handoff.Dir, 0o755); err != nil {
		return err
	}

	for _, part := range p.Parts {
		name := filepath.Join(cfg.Handoff.Dir, dumpName(part))

		if err := os.WriteFile(name, part.Data, 0o644); err != nil {
			return err
		}
	}

	return nil
}
