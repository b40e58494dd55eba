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

package devmem_test

import (
	"testing"

	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/device"
	"github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/gpu/simulator"
	"github.com/containers/devmem/pkg/metrics"
)

func TestCollector(t *testing.T) {
	compact, err := devmem.New(simulator.New(simulator.WithID(0)), &cfgapi.Config{
		Policy:          cfgapi.Compact,
		ReservationSize: quantity("1Gi"),
	})
	require.NoError(t, err)
	defer compact.Close()

	fallback, err := devmem.New(simulator.New(simulator.WithID(1), simulator.WithoutVirtualMemory()),
		&cfgapi.Config{Policy: cfgapi.Compact})
	require.NoError(t, err)
	defer fallback.Close()

	buf := devmem.Descriptor{}
	require.NoError(t, compact.Realloc(3*MiB, &buf))
	require.NoError(t, compact.AllocTmpBuffer(1*MiB, &devmem.Descriptor{}))
	require.NoError(t, fallback.Realloc(1*MiB, &devmem.Descriptor{}))

	r := metrics.NewRegistry()
	c := devmem.NewCollector(compact)
	c.Add(fallback)
	require.NoError(t, c.Register(r))

	g, err := r.NewGatherer(metrics.WithNamespace("test"), metrics.WithoutPolling())
	require.NoError(t, err)
	defer g.Stop()

	mfs, err := g.Gather()
	require.NoError(t, err)

	value := func(name string, labels map[string]string) float64 {
		for _, mf := range mfs {
			if mf.GetName() != name {
				continue
			}
			for _, m := range mf.GetMetric() {
				if hasLabels(m, labels) {
					if m.GetGauge() != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
		require.Failf(t, "metric not found", "%s %v", name, labels)
		return 0
	}

	dev0 := map[string]string{"device": "0", "policy": "compact", "manager": "compact"}
	dev1 := map[string]string{"device": "1", "policy": "best-fit", "manager": "stack"}

	require.Equal(t, float64(4*MiB), value("devmem_allocated_bytes", dev0))
	require.Equal(t, float64(1*MiB), value("devmem_scratch_bytes", dev0))
	require.Equal(t, float64(1*GiB), value("devmem_reserved_bytes", dev0))
	require.Equal(t, float64(2), value("devmem_blocks", dev0))
	require.Equal(t, float64(5*MiB), value("devmem_held_bytes", dev0))
	require.Equal(t, float64(0), value("devmem_policy_fallback", dev0))
	require.Equal(t, float64(1), value("devmem_operations_total",
		map[string]string{"device": "0", "operation": "realloc"}))
	require.Equal(t, float64(1), value("devmem_operations_total",
		map[string]string{"device": "0", "operation": "scratch-realloc"}))

	require.Equal(t, float64(1*MiB), value("devmem_allocated_bytes", dev1))
	require.Equal(t, float64(1), value("devmem_policy_fallback",
		map[string]string{"device": "1", "requested": "compact"}))

	require.NoError(t, fallback.Close())
	mfs, err = g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			require.False(t, hasLabels(m, map[string]string{"device": "1"}), "closed device collected")
		}
	}
}

func hasLabels(m *model.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(labels)
}
