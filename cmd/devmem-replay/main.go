// Copyright The devmem Authors. All Rights Reserved.
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

// devmem-replay replays a buffer allocation trace against a simulated
// device using buffered device memory management, and prints a report of
// the resulting memory usage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1"
	"github.com/containers/devmem/pkg/config"
	"github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/healthz"
	"github.com/containers/devmem/pkg/instrumentation"
	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/metrics"
	"github.com/containers/devmem/pkg/replay"
	"github.com/containers/devmem/pkg/version"

	_ "github.com/containers/devmem/pkg/metrics/collectors"
)

var (
	log = logger.Get("devmem-replay")

	newReplayer = replay.New
)

type options struct {
	configFile      string
	traceFile       string
	metricsAddr     string
	tracing         string
	printConfig     bool
	continueOnError bool
	linger          bool
}

func main() {
	opts := &options{}

	flag.StringVar(&opts.configFile, "config", "", "configuration file to use, defaults are used if not set")
	flag.StringVar(&opts.traceFile, "trace", "", "allocation trace file to replay")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on, overrides configuration")
	flag.StringVar(&opts.tracing, "tracing", "", "tracing collector endpoint, overrides configuration")
	flag.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	flag.BoolVar(&opts.continueOnError, "continue-on-error", false, "keep replaying after failed operations")
	flag.BoolVar(&opts.linger, "linger", false, "keep serving metrics after replay until interrupted")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if err := run(opts); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}

func run(opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if opts.printConfig {
		fmt.Print(config.Dump(cfg))
		return nil
	}

	if opts.traceFile == "" {
		return fmt.Errorf("no trace file given, use -trace")
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	trace, err := replay.LoadTrace(opts.traceFile)
	if err != nil {
		return err
	}

	r, err := newReplayer(cfg, replayOptions(opts)...)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		if err := r.Close(); err != nil {
			log.Error("failed to close replayer: %v", err)
		}
	}()

	collector := devmem.NewCollector(r.Device())
	if err := collector.Register(metrics.Default()); err != nil {
		return fmt.Errorf("failed to register metrics collector: %w", err)
	}
	defer collector.Unregister(metrics.Default())

	health := fmt.Sprintf("device-%d", r.Device().ID())
	if err := healthz.Register(health, r.Device().CheckHealth); err != nil {
		return err
	}
	defer healthz.Unregister(health)

	instrumentation.SetIdentity(
		instrumentation.Attribute("device", cfg.Spec.Device.DeviceID),
		instrumentation.Attribute("trace", trace.Name),
	)
	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		return err
	}
	defer instrumentation.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	replayErr := r.Run(ctx, trace)
	r.Report().Print(os.Stdout)

	if opts.linger && instrumentation.HTTPAddress() != "" && ctx.Err() == nil {
		log.Info("serving metrics on %s, interrupt to exit", instrumentation.HTTPAddress())
		<-ctx.Done()
	}

	closed = true
	if err := r.Close(); err != nil {
		return err
	}

	return replayErr
}

func loadConfig(opts *options) (*cfgapi.DevmemConfig, error) {
	var (
		cfg *cfgapi.DevmemConfig
		err error
	)

	if opts.configFile != "" {
		cfg, err = config.Load(opts.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	ins := &cfg.Spec.Instrumentation
	if opts.metricsAddr != "" {
		ins.HTTPEndpoint = opts.metricsAddr
		ins.PrometheusExport = true
	}
	if opts.tracing != "" {
		ins.TracingCollector = opts.tracing
		if ins.SamplingRatePerMillion == 0 {
			ins.SamplingRatePerMillion = 1000000
		}
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func replayOptions(opts *options) []replay.Option {
	var options []replay.Option
	if opts.continueOnError {
		options = append(options, replay.WithContinueOnError())
	}
	return options
}

func printVersion() {
	fmt.Printf("devmem-replay version %s (build %s)\n", version.Version, version.Build)
}
