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

// Package metrics is a thin layer over prometheus collectors. Collectors
// are registered by name into groups. Metrics of a collector are prefixed
// with a common namespace and the name of its group, unless the collector
// opts out of it. Which collectors are enabled is configured at runtime
// using globs which match group names, collector names, or group/collector
// pairs. Collectors which are expensive to collect can be polled, in which
// case they are collected periodically and the last collected values are
// returned when metrics are gathered.
//
// Usage:
//
//	metrics.MustRegister("memory", collector, metrics.WithGroup("devmem"))
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("devmem"),
//	    metrics.WithMetrics([]string{"devmem", "standard/*"}, nil),
//	)
//	if err != nil {
//	    ...
//	}
//	defer g.Stop()
//
//	http.Handle("/metrics", g.Handler())
package metrics
