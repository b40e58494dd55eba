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

package replay_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/containers/devmem/pkg/config"
	"github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/gpu/simulator"
	"github.com/containers/devmem/pkg/instrumentation/tracing"
	"github.com/containers/devmem/pkg/replay"
)

const (
	MiB = uint64(1) << 20
)

const testTrace = `
name: test
ops:
  - {op: alloc, id: a, size: 4Mi}
  - {op: alloc, id: b, size: 1Mi}
  - {op: tmp, size: 2Mi}
  - {op: realloc, id: a, size: 8Mi}
  - {op: free, id: b}
  - {op: tmp, size: 1.5Mi}
  - {op: realloc, id: c, size: 512Ki}
`

func TestParseTrace(t *testing.T) {
	type testCase struct {
		name  string
		data  string
		ops   int
		fail  bool
		bytes []uint64
	}
	for _, tc := range []*testCase{
		{
			name:  "valid trace",
			data:  testTrace,
			ops:   7,
			bytes: []uint64{4 * MiB, 1 * MiB, 2 * MiB, 8 * MiB, 0, 3 * MiB / 2, MiB / 2},
		},
		{
			name: "unknown operation",
			data: "ops: [{op: malloc, id: a, size: 1Mi}]",
			fail: true,
		},
		{
			name: "missing id",
			data: "ops: [{op: alloc, size: 1Mi}]",
			fail: true,
		},
		{
			name: "scratch with id",
			data: "ops: [{op: tmp, id: a, size: 1Mi}]",
			fail: true,
		},
		{
			name: "free with size",
			data: "ops: [{op: free, id: a, size: 1Mi}]",
			fail: true,
		},
		{
			name: "invalid size",
			data: "ops: [{op: alloc, id: a, size: 1Qi}]",
			fail: true,
		},
		{
			name: "zero sized alloc",
			data: "ops: [{op: alloc, id: a, size: 0}]",
			fail: true,
		},
		{
			name: "unknown field",
			data: "ops: [{op: alloc, id: a, size: 1Mi, align: 64}]",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			trace, err := replay.ParseTrace([]byte(tc.data))
			if tc.fail {
				require.ErrorIs(t, err, replay.ErrInvalidTrace)
				return
			}
			require.NoError(t, err)
			require.Len(t, trace.Ops, tc.ops)
			for i, o := range trace.Ops {
				require.Equal(t, tc.bytes[i], o.Bytes(), "op #%d", i)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	type testCase struct {
		name      string
		config    string
		policy    devmem.Policy
		requested devmem.Policy
		allocator string
	}
	for _, tc := range []*testCase{
		{
			name:      "best-fit",
			config:    "spec: {device: {policy: best-fit}}",
			policy:    devmem.BestFit,
			requested: devmem.BestFit,
			allocator: "direct",
		},
		{
			name:      "compact",
			config:    "spec: {device: {policy: compact, reservationSize: 1Gi}}",
			policy:    devmem.Compact,
			requested: devmem.Compact,
			allocator: "virtual-range",
		},
		{
			name:      "compact fallback",
			config:    "spec: {device: {policy: compact}, simulator: {disableVirtualMemory: true}}",
			policy:    devmem.BestFit,
			requested: devmem.Compact,
			allocator: "direct",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Parse([]byte(tc.config), "test")
			require.NoError(t, err)

			trace, err := replay.ParseTrace([]byte(testTrace))
			require.NoError(t, err)

			r, err := replay.New(cfg)
			require.NoError(t, err)
			require.NoError(t, r.Run(context.Background(), trace))

			rpt := r.Report()
			require.Equal(t, "test", rpt.Trace)
			require.Equal(t, tc.policy, rpt.Policy)
			require.Equal(t, tc.requested, rpt.RequestedPolicy)
			require.Equal(t, tc.allocator, rpt.Allocator)
			require.Equal(t, 7, rpt.Ops)
			require.Zero(t, rpt.Failures)
			require.Equal(t, 2, rpt.Buffers)
			require.Equal(t, 2*MiB, rpt.Scratch)
			require.GreaterOrEqual(t, rpt.PeakAllocated, 11*MiB)
			require.GreaterOrEqual(t, rpt.FinalAllocated, 8*MiB+MiB/2+2*MiB)
			require.NotEmpty(t, rpt.Calls)

			out := &bytes.Buffer{}
			rpt.Print(out)
			require.Contains(t, out.String(), string(tc.policy))
			require.Contains(t, out.String(), "Device call")

			require.NoError(t, r.Close())
			require.False(t, r.Simulator().Stats().Leaked())
		})
	}
}

func TestReplayFailures(t *testing.T) {
	data := `
ops:
  - {op: alloc, id: a, size: 1Mi}
  - {op: alloc, id: a, size: 1Mi}
  - {op: free, id: b}
  - {op: alloc, id: c, size: 1Mi}
`
	trace, err := replay.ParseTrace([]byte(data))
	require.NoError(t, err)

	r, err := replay.New(config.Default())
	require.NoError(t, err)
	err = r.Run(context.Background(), trace)
	require.Error(t, err)
	require.Equal(t, 2, r.Report().Ops, "replay should stop at the first failure")
	require.NoError(t, r.Close())

	r, err = replay.New(config.Default(), replay.WithContinueOnError())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), trace))
	rpt := r.Report()
	require.Equal(t, 4, rpt.Ops)
	require.Equal(t, 2, rpt.Failures)
	require.Equal(t, 2, rpt.Buffers)
	require.NoError(t, r.Close())
}

func TestReplayOutOfMemory(t *testing.T) {
	cfg, err := config.Parse([]byte("spec: {simulator: {totalMemory: 8Mi}}"), "test")
	require.NoError(t, err)

	trace, err := replay.ParseTrace([]byte("ops: [{op: alloc, id: a, size: 4Mi}, {op: alloc, id: b, size: 8Mi}]"))
	require.NoError(t, err)

	r, err := replay.New(cfg)
	require.NoError(t, err)
	require.Error(t, r.Run(context.Background(), trace))

	rpt := r.Report()
	require.Equal(t, 1, rpt.Failures)
	require.Equal(t, 2, rpt.Calls[simulator.OpMalloc])
	require.NoError(t, r.Close())
}

func TestReplaySpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, tracing.Start(
		tracing.WithSpanExporter(exporter),
		tracing.WithSamplingRatio(1.0),
	))
	defer tracing.Stop()

	trace, err := replay.ParseTrace([]byte(testTrace))
	require.NoError(t, err)

	r, err := replay.New(config.Default())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background(), trace))
	require.NoError(t, r.Close())

	spans := exporter.GetSpans()
	require.Len(t, spans, len(trace.Ops)+1)
	require.Equal(t, "replay", spans[len(spans)-1].Name)
	require.Equal(t, "alloc", spans[0].Name)
}

func TestLoadTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ops: [{op: tmp, size: 1Mi}]"), 0o644))

	trace, err := replay.LoadTrace(path)
	require.NoError(t, err)
	require.Equal(t, "trace.yaml", trace.Name)
	require.Len(t, trace.Ops, 1)

	_, err = replay.LoadTrace(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
