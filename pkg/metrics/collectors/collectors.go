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

// Package collectors registers the standard process and runtime collectors
// into the default metrics registry, in the group "standard".
package collectors

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/metrics"
	"github.com/containers/devmem/pkg/version"
)

const (
	// Group is the metrics group of the standard collectors.
	Group = "standard"
)

var (
	log = logger.Get("metrics")
)

// NewVersionInfoCollector returns a gauge with a constant 1 value,
// labeled by version, build and Go runtime.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "devmem_version_info",
			Help: "Constant '1' labeled by devmem version, build and Go runtime.",
			ConstLabels: prometheus.Labels{
				"version":   v,
				"build":     b,
				"goversion": runtime.Version(),
			},
		},
		func() float64 { return 1 },
	)
}

func init() {
	var (
		standard = []struct {
			name      string
			collector prometheus.Collector
		}{
			{"buildinfo", collectors.NewBuildInfoCollector()},
			{"golang", collectors.NewGoCollector()},
			{"process", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})},
			{"versioninfo", NewVersionInfoCollector(version.Version, version.Build)},
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup(Group),
			metrics.WithCollectorOptions(
				metrics.WithoutNamespace(),
				metrics.WithoutSubsystem(),
			),
		}
	)

	for _, c := range standard {
		if err := metrics.Register(c.name, c.collector, options...); err != nil {
			log.Error("failed to register %s collector: %v", c.name, err)
		}
	}
}
