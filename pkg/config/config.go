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

// Package config loads, defaults and validates device memory management
// configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1"
	"github.com/containers/devmem/pkg/apis/config/v1alpha1/device"
	"github.com/containers/devmem/pkg/apis/config/v1alpha1/metrics"
	logger "github.com/containers/devmem/pkg/log"
)

var (
	log = logger.Get("config")

	// ErrInvalidConfig is returned for configuration which fails validation.
	ErrInvalidConfig = fmt.Errorf("config: invalid configuration")
)

const (
	// DefaultReportPeriod is the default interval for polling metrics.
	DefaultReportPeriod = 30 * time.Second
	// DefaultTotalMemory is the default amount of simulated device memory.
	DefaultTotalMemory = "16Gi"
	// DefaultGranularity is the default simulated allocation granularity.
	DefaultGranularity = "2Mi"
)

// Default returns the default configuration.
func Default() *cfgapi.DevmemConfig {
	cfg := &cfgapi.DevmemConfig{}
	SetDefaults(cfg)
	return cfg
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*cfgapi.DevmemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(data, filepath.Base(path))
}

// Parse parses, defaults and validates configuration data. Unknown fields
// are rejected.
func Parse(data []byte, source string) (*cfgapi.DevmemConfig, error) {
	cfg := &cfgapi.DevmemConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", source, err)
	}

	if cfg.APIVersion != "" && cfg.APIVersion != cfgapi.GroupVersion {
		return nil, fmt.Errorf("%w: %s: unsupported apiVersion %q", ErrInvalidConfig,
			source, cfg.APIVersion)
	}
	if cfg.Kind != "" && cfg.Kind != cfgapi.Kind {
		return nil, fmt.Errorf("%w: %s: unsupported kind %q", ErrInvalidConfig, source, cfg.Kind)
	}

	cfg.Name = source + ":" + cfg.Name
	SetDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	log.Info("loaded configuration %s", cfg.Name)

	return cfg, nil
}

// SetDefaults fills in unset configuration with defaults.
func SetDefaults(cfg *cfgapi.DevmemConfig) {
	cfg.APIVersion = cfgapi.GroupVersion
	cfg.Kind = cfgapi.Kind

	var (
		dev = &cfg.Spec.Device
		sim = &cfg.Spec.Simulator
		ins = &cfg.Spec.Instrumentation
	)

	if dev.Policy == "" {
		dev.Policy = device.BestFit
	}
	if dev.DefaultBlockSize == nil {
		dev.DefaultBlockSize = resource.NewQuantity(device.DefaultBlockSize, resource.BinarySI)
	}
	if dev.Alignment == nil {
		dev.Alignment = resource.NewQuantity(device.DefaultAlignment, resource.DecimalSI)
	}
	if dev.CommitStep == nil {
		dev.CommitStep = resource.NewQuantity(device.DefaultCommitStep, resource.BinarySI)
	}

	if sim.TotalMemory == nil {
		q := resource.MustParse(DefaultTotalMemory)
		sim.TotalMemory = &q
	}
	if sim.Granularity == nil {
		q := resource.MustParse(DefaultGranularity)
		sim.Granularity = &q
	}

	if ins.ReportPeriod.Duration == 0 {
		ins.ReportPeriod = metav1.Duration{Duration: DefaultReportPeriod}
	}
	if ins.Metrics == nil {
		ins.Metrics = &metrics.Config{
			Enabled: []string{"devmem", "buildinfo"},
		}
	}
}

// Validate checks the configuration for errors. All errors found are
// reported together.
func Validate(cfg *cfgapi.DevmemConfig) error {
	var (
		result *multierror.Error
		dev    = &cfg.Spec.Device
		sim    = &cfg.Spec.Simulator
		ins    = &cfg.Spec.Instrumentation
	)

	invalid := func(format string, args ...interface{}) {
		result = multierror.Append(result,
			fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	switch dev.Policy {
	case device.BestFit, device.Compact:
	default:
		invalid("unknown memory management policy %q", dev.Policy)
	}

	if dev.DeviceID < 0 {
		invalid("negative device ID %d", dev.DeviceID)
	}

	checkSize := func(name string, q *resource.Quantity, optional bool) {
		switch {
		case q == nil:
			if !optional {
				invalid("%s not set", name)
			}
		case q.Sign() < 0:
			invalid("negative %s %s", name, q)
		case q.Sign() == 0 && !optional:
			invalid("zero %s", name)
		}
	}

	checkSize("device.defaultBlockSize", dev.DefaultBlockSize, false)
	checkSize("device.alignment", dev.Alignment, false)
	checkSize("device.reservationSize", dev.ReservationSize, true)
	checkSize("device.commitStep", dev.CommitStep, false)
	checkSize("simulator.totalMemory", sim.TotalMemory, false)
	checkSize("simulator.granularity", sim.Granularity, false)

	if a := dev.GetAlignment(); a&(a-1) != 0 {
		invalid("device.alignment %d is not a power of 2", a)
	}

	if r := ins.SamplingRatePerMillion; r < 0 || r > 1000000 {
		invalid("instrumentation.samplingRatePerMillion %d out of range", r)
	}
	if ins.ReportPeriod.Duration < 0 {
		invalid("negative instrumentation.reportPeriod %s", ins.ReportPeriod.Duration)
	}

	return result.ErrorOrNil()
}

// Dump returns the configuration as YAML.
func Dump(cfg *cfgapi.DevmemConfig) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Sprintf("<failed to marshal configuration: %v>", err)
	}
	return string(data)
}
