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

package allocator_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/gpu"
	"github.com/containers/devmem/pkg/gpu/simulator"
	"github.com/containers/devmem/pkg/utils"
)

const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30
)

func TestNewVirtualRange(t *testing.T) {
	type testCase struct {
		name        string
		device      []simulator.Option
		granularity uint64
		options     []allocator.VirtualRangeOption
		fail        bool
		reserved    uint64
		gran        uint64
		step        uint64
	}

	for _, tc := range []*testCase{
		{
			name:     "defaults",
			reserved: simulator.DefaultTotalMemory,
			gran:     simulator.DefaultGranularity,
			step:     allocator.DefaultCommitStep,
		},
		{
			name:        "custom granularity",
			granularity: 4 * MiB,
			options: []allocator.VirtualRangeOption{
				allocator.WithReservationSize(10 * MiB),
			},
			reserved: 12 * MiB,
			gran:     4 * MiB,
			step:     4 * MiB,
		},
		{
			name:   "reservation follows device memory",
			device: []simulator.Option{simulator.WithTotalMemory(1*GiB + 1)},
			// rounded up to granularity
			reserved: 1*GiB + 2*MiB,
			gran:     2 * MiB,
			step:     2 * MiB,
		},
		{
			name:   "small device granularity",
			device: []simulator.Option{simulator.WithGranularity(64 * KiB)},
			options: []allocator.VirtualRangeOption{
				allocator.WithReservationSize(3 * MiB),
			},
			// rounded up to the commit step
			reserved: 4 * MiB,
			gran:     64 * KiB,
			step:     2 * MiB,
		},
		{
			name:   "commit step rounded to granularity",
			device: []simulator.Option{simulator.WithGranularity(64 * KiB)},
			options: []allocator.VirtualRangeOption{
				allocator.WithReservationSize(1 * MiB),
				allocator.WithCommitStep(100 * KiB),
			},
			reserved: 1 * MiB,
			gran:     64 * KiB,
			step:     128 * KiB,
		},
		{
			name:        "commit step below granularity",
			granularity: 4 * MiB,
			options: []allocator.VirtualRangeOption{
				allocator.WithReservationSize(8 * MiB),
				allocator.WithCommitStep(1 * MiB),
			},
			reserved: 8 * MiB,
			gran:     4 * MiB,
			step:     4 * MiB,
		},
		{
			name: "zero commit step",
			options: []allocator.VirtualRangeOption{
				allocator.WithCommitStep(0),
			},
			fail: true,
		},
		{
			name:        "granularity not a multiple of device granularity",
			granularity: 3 * MiB,
			fail:        true,
		},
		{
			name:   "no virtual memory management",
			device: []simulator.Option{simulator.WithoutVirtualMemory()},
			fail:   true,
		},
		{
			name:   "granularity query fails",
			device: []simulator.Option{simulator.WithFailure(simulator.OpGranularity, 1, gpu.ErrorUnknown)},
			fail:   true,
		},
		{
			name:   "reservation fails",
			device: []simulator.Option{simulator.WithFailure(simulator.OpAddressReserve, 1, gpu.ErrorOutOfMemory)},
			fail:   true,
		},
		{
			name: "zero reservation size",
			options: []allocator.VirtualRangeOption{
				allocator.WithReservationSize(0),
			},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := simulator.New(tc.device...)
			v, err := allocator.NewVirtualRange(dev, tc.granularity, tc.options...)

			if tc.fail {
				require.ErrorIs(t, err, allocator.ErrInitialization)
				require.Nil(t, v)
				require.False(t, dev.Stats().Leaked(), "leaked device resources")
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.reserved, v.ReservedSize(), "reserved size")
			require.Equal(t, tc.gran, v.Granularity(), "granularity")
			require.Equal(t, tc.step, v.CommitStep(), "commit step")
			require.NotZero(t, v.ReservedBase(), "reserved base")
			require.Equal(t, "virtual-range", v.Name())

			require.NoError(t, v.Close())
			require.False(t, dev.Stats().Leaked(), "leaked device resources")
		})
	}
}

func TestVirtualRangeAlloc(t *testing.T) {
	dev := simulator.New()
	v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(64*MiB))
	require.NoError(t, err)

	type testCase struct {
		bytes     uint64
		offset    uint64
		allocated uint64
		committed uint64
		handles   int
	}

	for _, tc := range []*testCase{
		{bytes: 1 * MiB, offset: 0, allocated: 1 * MiB, committed: 2 * MiB, handles: 1},
		{bytes: 512 * KiB, offset: 1 * MiB, allocated: 1*MiB + 512*KiB, committed: 2 * MiB, handles: 1},
		{bytes: 1 * MiB, offset: 1*MiB + 512*KiB, allocated: 2*MiB + 512*KiB, committed: 4 * MiB, handles: 2},
		{bytes: 5 * MiB, offset: 2*MiB + 512*KiB, allocated: 7*MiB + 512*KiB, committed: 8 * MiB, handles: 3},
		{bytes: 512 * KiB, offset: 7*MiB + 512*KiB, allocated: 8 * MiB, committed: 8 * MiB, handles: 3},
		{bytes: 1, offset: 8 * MiB, allocated: 8*MiB + 1, committed: 10 * MiB, handles: 4},
	} {
		ptr, err := v.Alloc(tc.bytes)
		require.NoError(t, err, "Alloc(%d)", tc.bytes)
		require.Equal(t, v.ReservedBase().Add(tc.offset), ptr, "Alloc(%d) address", tc.bytes)
		require.Equal(t, tc.allocated, v.BytesAllocated(), "bytes allocated")
		require.Equal(t, tc.committed, v.TotalBytes(), "committed bytes")
		require.Equal(t, tc.handles, v.Handles(), "physical handles")
		require.True(t, dev.Accessible(ptr), "allocated memory not accessible")
		require.True(t, dev.Accessible(ptr.Add(tc.bytes-1)), "end of allocated memory not accessible")

		stats := dev.Stats()
		require.Equal(t, tc.handles, stats.Handles, "device handles")
		require.Equal(t, tc.committed, stats.PhysicalBytes, "device physical bytes")
	}

	_, err = v.Alloc(0)
	require.ErrorIs(t, err, allocator.ErrInvalidSize)

	require.NoError(t, v.Close())
	require.False(t, dev.Stats().Leaked(), "leaked device resources")
}

func TestVirtualRangeCommitStep(t *testing.T) {
	type testCase struct {
		name        string
		granularity uint64
		step        uint64
		sizes       []uint64
		committed   []uint64
	}

	for _, tc := range []*testCase{
		{
			name:        "default step",
			granularity: 64 * KiB,
			sizes:       []uint64{1, 1 * MiB, 1*MiB - 1, 1},
			committed:   []uint64{2 * MiB, 2 * MiB, 2 * MiB, 4 * MiB},
		},
		{
			name:        "custom step",
			granularity: 64 * KiB,
			step:        256 * KiB,
			sizes:       []uint64{1, 300 * KiB, 1 * MiB},
			committed:   []uint64{256 * KiB, 512 * KiB, 1536 * KiB},
		},
		{
			name:        "granularity above default step",
			granularity: 8 * MiB,
			sizes:       []uint64{1, 8 * MiB},
			committed:   []uint64{8 * MiB, 16 * MiB},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := simulator.New(simulator.WithGranularity(tc.granularity))
			options := []allocator.VirtualRangeOption{allocator.WithReservationSize(64 * MiB)}
			if tc.step != 0 {
				options = append(options, allocator.WithCommitStep(tc.step))
			}
			v, err := allocator.NewVirtualRange(dev, 0, options...)
			require.NoError(t, err)

			for i, bytes := range tc.sizes {
				ptr, err := v.Alloc(bytes)
				require.NoError(t, err, "Alloc(%d)", bytes)
				require.Equal(t, tc.committed[i], v.TotalBytes(), "committed bytes after Alloc(%d)", bytes)
				require.True(t, dev.Accessible(ptr.Add(bytes-1)), "allocated memory not accessible")
			}

			require.NoError(t, v.Close())
			require.False(t, dev.Stats().Leaked(), "leaked device resources")
		})
	}
}

func TestVirtualRangeRandomAlloc(t *testing.T) {
	for _, granularity := range []uint64{64 * KiB, 2 * MiB, 4 * MiB} {
		for seed := uint64(1); seed <= 8; seed++ {
			rng := rand.New(rand.NewPCG(seed, granularity))
			dev := simulator.New(simulator.WithGranularity(granularity))
			v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(256*MiB))
			require.NoError(t, err)

			sum := uint64(0)
			for range 100 {
				bytes := 1 + rng.Uint64N(3*MiB)
				if sum+bytes > v.ReservedSize() {
					break
				}
				ptr, err := v.Alloc(bytes)
				require.NoError(t, err, "Alloc(%d)", bytes)
				require.Equal(t, v.ReservedBase().Add(sum), ptr, "Alloc(%d) address", bytes)
				sum += bytes

				require.Equal(t, sum, v.BytesAllocated(), "bytes allocated (seed %d)", seed)
				require.Equal(t, utils.AlignUp(sum, v.CommitStep()), v.TotalBytes(),
					"committed bytes (granularity %d, seed %d)", granularity, seed)
			}

			require.NoError(t, v.Close())
			require.False(t, dev.Stats().Leaked(), "leaked device resources")
		}
	}
}

func TestVirtualRangeExhaustion(t *testing.T) {
	dev := simulator.New()
	v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(8*MiB))
	require.NoError(t, err)

	_, err = v.Alloc(6 * MiB)
	require.NoError(t, err)

	before := dev.Stats()

	_, err = v.Alloc(4 * MiB)
	require.ErrorIs(t, err, allocator.ErrAddressSpaceExhausted)
	require.Equal(t, 6*MiB, v.BytesAllocated(), "bytes allocated after failed Alloc")
	require.Equal(t, 6*MiB, v.TotalBytes(), "committed bytes after failed Alloc")
	require.Equal(t, 1, v.Handles(), "handles after failed Alloc")

	after := dev.Stats()
	require.Equal(t, before.Handles, after.Handles)
	require.Equal(t, before.Mappings, after.Mappings)
	require.Equal(t, before.Calls[simulator.OpMemCreate], after.Calls[simulator.OpMemCreate],
		"physical memory created for failed Alloc")

	ptr, err := v.Alloc(2 * MiB)
	require.NoError(t, err, "filling up the reservation")
	require.Equal(t, v.ReservedBase().Add(6*MiB), ptr)

	_, err = v.Alloc(1)
	require.ErrorIs(t, err, allocator.ErrAddressSpaceExhausted)

	require.NoError(t, v.Close())
	require.False(t, dev.Stats().Leaked(), "leaked device resources")
}

func TestVirtualRangeCommitRollback(t *testing.T) {
	type testCase struct {
		name     string
		failures []string
		handles  int
		mappings int
		close    bool
	}

	for _, tc := range []*testCase{
		{
			name:     "create fails",
			failures: []string{simulator.OpMemCreate},
			handles:  1,
			mappings: 1,
		},
		{
			name:     "map fails",
			failures: []string{simulator.OpMemMap},
			handles:  1,
			mappings: 1,
		},
		{
			name:     "set access fails",
			failures: []string{simulator.OpMemSetAccess},
			handles:  1,
			mappings: 1,
		},
		{
			name:     "set access and unmap fail",
			failures: []string{simulator.OpMemSetAccess, simulator.OpMemUnmap},
			handles:  2,
			mappings: 2,
		},
		{
			name:     "set access and unmap fail, then close",
			failures: []string{simulator.OpMemSetAccess, simulator.OpMemUnmap},
			handles:  2,
			mappings: 2,
			close:    true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := simulator.New()
			v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(16*MiB))
			require.NoError(t, err)

			_, err = v.Alloc(1 * MiB)
			require.NoError(t, err)

			for _, op := range tc.failures {
				dev.InjectFailure(op, 1, gpu.ErrorOutOfMemory)
			}

			_, err = v.Alloc(2 * MiB)
			require.ErrorIs(t, err, allocator.ErrPhysicalCommit)
			require.ErrorIs(t, err, gpu.ErrOutOfMemory)

			require.Equal(t, 1*MiB, v.BytesAllocated())
			require.Equal(t, 2*MiB, v.TotalBytes())
			require.Equal(t, 1, v.Handles())

			stats := dev.Stats()
			require.Equal(t, tc.handles, stats.Handles, "device handles after rollback")
			require.Equal(t, tc.mappings, stats.Mappings, "device mappings after rollback")

			if !tc.close {
				ptr, err := v.Alloc(2 * MiB)
				require.NoError(t, err, "Alloc after rollback")
				require.Equal(t, v.ReservedBase().Add(1*MiB), ptr)
				require.True(t, dev.Accessible(ptr.Add(2*MiB-1)), "memory not accessible after rollback")
				require.Equal(t, 2, v.Handles())
			}

			require.NoError(t, v.Close())
			stats = dev.Stats()
			require.False(t, stats.Leaked(), "leaked device resources: %s", stats)
		})
	}
}

func TestVirtualRangeFree(t *testing.T) {
	dev := simulator.New()
	v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(16*MiB))
	require.NoError(t, err)

	ptr, err := v.Alloc(3 * MiB)
	require.NoError(t, err)

	require.NoError(t, v.Free(ptr))
	require.NoError(t, v.Free(ptr.Add(1*MiB)))
	require.Equal(t, 3*MiB, v.BytesAllocated(), "Free must not return memory")

	require.ErrorIs(t, v.Free(ptr.Add(3*MiB)), allocator.ErrInvalidRelease)
	require.ErrorIs(t, v.Free(v.ReservedBase()-1), allocator.ErrInvalidRelease)
	require.ErrorIs(t, v.Free(0), allocator.ErrInvalidRelease)

	require.NoError(t, v.Close())
	require.ErrorIs(t, v.Free(ptr), allocator.ErrClosed)
}

func TestVirtualRangeClose(t *testing.T) {
	dev := simulator.New()
	v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(32*MiB))
	require.NoError(t, err)

	for _, bytes := range []uint64{1 * MiB, 3 * MiB, 5 * MiB, 7 * MiB} {
		_, err := v.Alloc(bytes)
		require.NoError(t, err)
	}
	handles := v.Handles()
	require.Equal(t, 4, handles)

	require.NoError(t, v.Close())

	stats := dev.Stats()
	require.False(t, stats.Leaked(), "leaked device resources: %s", stats)
	require.Equal(t, handles, stats.Calls[simulator.OpMemRelease], "handles released")
	require.Equal(t, handles, stats.Calls[simulator.OpMemUnmap], "ranges unmapped")
	require.Equal(t, 1, stats.Calls[simulator.OpAddressFree], "reservations freed")

	require.NoError(t, v.Close(), "second Close")
	require.Equal(t, stats.Calls, dev.Stats().Calls, "second Close touched the device")

	_, err = v.Alloc(1)
	require.ErrorIs(t, err, allocator.ErrClosed)
}

func TestVirtualRangeCloseContinuesOnError(t *testing.T) {
	dev := simulator.New()
	v, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(32*MiB))
	require.NoError(t, err)

	_, err = v.Alloc(6 * MiB)
	require.NoError(t, err)
	_, err = v.Alloc(2 * MiB)
	require.NoError(t, err)

	dev.InjectFailure(simulator.OpMemRelease, 1, gpu.ErrorUnknown)

	err = v.Close()
	require.Error(t, err)
	require.ErrorIs(t, err, gpu.ErrUnknown)

	stats := dev.Stats()
	require.Equal(t, 1, stats.Handles, "only the failed handle should be left")
	require.Equal(t, 0, stats.Mappings)
	require.Equal(t, 0, stats.Reservations)
}
