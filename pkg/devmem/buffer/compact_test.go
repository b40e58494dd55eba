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

package buffer_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/devmem/allocator"
	"github.com/containers/devmem/pkg/devmem/buffer"
	"github.com/containers/devmem/pkg/gpu/simulator"
)

const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
)

func newVirtualRange(t *testing.T, reservation uint64) (*simulator.Device, *allocator.VirtualRange) {
	dev := simulator.New()
	a, err := allocator.NewVirtualRange(dev, 0, allocator.WithReservationSize(reservation))
	require.NoError(t, err, "virtual range allocator creation")
	return dev, a
}

func newCompact(t *testing.T, reservation uint64) (*simulator.Device, *buffer.Compact) {
	dev, a := newVirtualRange(t, reservation)
	c, err := buffer.NewCompact(a, 256, 2*MiB)
	require.NoError(t, err, "compact manager creation")
	return dev, c
}

func realloc(t *testing.T, m buffer.Manager, bytes uint64, d *buffer.Descriptor) *buffer.Descriptor {
	if d == nil {
		d = &buffer.Descriptor{}
	}
	require.NoError(t, m.Realloc(bytes, d), "Realloc(%d)", bytes)
	require.NotZero(t, d.Addr, "Realloc(%d) address", bytes)
	require.Equal(t, bytes, d.Size, "Realloc(%d) size", bytes)
	return d
}

func TestNewCompact(t *testing.T) {
	type testCase struct {
		name      string
		alignment uint64
		blockSize uint64
		fail      bool
	}

	for _, tc := range []*testCase{
		{name: "valid", alignment: 256, blockSize: 2 * MiB},
		{name: "byte alignment", alignment: 1, blockSize: 1},
		{name: "zero alignment", alignment: 0, blockSize: 2 * MiB, fail: true},
		{name: "non-power of 2 alignment", alignment: 384, blockSize: 2 * MiB, fail: true},
		{name: "zero block size", alignment: 256, blockSize: 0, fail: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, a := newVirtualRange(t, 16*MiB)
			c, err := buffer.NewCompact(a, tc.alignment, tc.blockSize)
			if tc.fail {
				require.ErrorIs(t, err, buffer.ErrInvalidConfig)
				require.Nil(t, c)
				require.NoError(t, a.Close())
				return
			}
			require.NoError(t, err)
			require.Equal(t, "compact", c.Name())
			require.Equal(t, tc.alignment, c.Alignment())
			require.Equal(t, tc.blockSize, c.BlockSize())
			require.NoError(t, c.Close())
		})
	}
}

func TestCompactReuse(t *testing.T) {
	_, c := newCompact(t, 64*MiB)

	a := realloc(t, c, 1000, nil)
	require.Equal(t, 1*KiB, c.AllocatedBytes(), "allocation should be rounded up to alignment")
	require.Equal(t, 1, c.Blocks())
	require.Equal(t, 2*MiB, c.BlockBytes())

	addr := a.Addr
	require.NoError(t, c.Free(a))
	require.Zero(t, a.Addr, "Free should clear the descriptor")
	require.Zero(t, c.AllocatedBytes())

	a = realloc(t, c, 1000, nil)
	require.Equal(t, addr, a.Addr, "released address should be reused")
	require.Equal(t, 1, c.Blocks(), "no new block should be allocated")

	b := realloc(t, c, 3000, nil)
	d := realloc(t, c, 5000, nil)
	addr = b.Addr
	require.NoError(t, c.Free(b))
	b2 := realloc(t, c, 3000, nil)
	require.Equal(t, addr, b2.Addr, "released address in the middle should be reused")
	require.Equal(t, 1, c.Blocks())
	require.NoError(t, c.Validate())

	require.NoError(t, c.Free(d))
	require.NoError(t, c.Free(b2))
	require.NoError(t, c.Free(a))
	require.Zero(t, c.AllocatedBytes())
	require.NoError(t, c.Validate())
	require.NoError(t, c.Close())
}

func TestCompactCoalescing(t *testing.T) {
	_, c := newCompact(t, 64*MiB)

	a := realloc(t, c, 4*KiB, nil)
	b := realloc(t, c, 4*KiB, nil)
	x := realloc(t, c, 4*KiB, nil)
	require.Equal(t, a.End(), b.Addr)
	require.Equal(t, b.End(), x.Addr)

	// fill up the rest of the block
	rest := realloc(t, c, 2*MiB-12*KiB, nil)
	require.Equal(t, 1, c.Blocks())
	require.Zero(t, c.FreeBytes())

	addr := a.Addr
	require.NoError(t, c.Free(a))
	require.NoError(t, c.Free(b))
	require.NoError(t, c.Validate())

	ab := realloc(t, c, 8*KiB, nil)
	require.Equal(t, addr, ab.Addr, "coalesced interval should be reused")
	require.Equal(t, 1, c.Blocks(), "no new block should be allocated")

	// release in the middle, then on both sides
	require.NoError(t, c.Free(x))
	require.NoError(t, c.Free(ab))
	require.NoError(t, c.Free(rest))
	require.NoError(t, c.Validate())

	all := realloc(t, c, 2*MiB, nil)
	require.Equal(t, addr, all.Addr, "fully coalesced block should be reused")
	require.Equal(t, 1, c.Blocks())

	require.NoError(t, c.Close())
}

func TestCompactBestFit(t *testing.T) {
	_, c := newCompact(t, 64*MiB)

	var (
		a = realloc(t, c, 1*KiB, nil)
		b = realloc(t, c, 4*KiB, nil)
		x = realloc(t, c, 1*KiB, nil)
		d = realloc(t, c, 2*KiB, nil)
		e = realloc(t, c, 1*KiB, nil)
	)

	bAddr, dAddr := b.Addr, d.Addr
	require.NoError(t, c.Free(b))
	require.NoError(t, c.Free(d))

	f := realloc(t, c, 2*KiB, nil)
	require.Equal(t, dAddr, f.Addr, "2K request should go to the 2K hole")

	g := realloc(t, c, 3*KiB, nil)
	require.Equal(t, bAddr, g.Addr, "3K request should go to the 4K hole")

	h := realloc(t, c, 1*KiB, nil)
	require.Equal(t, bAddr.Add(3*KiB), h.Addr, "1K request should go to the 1K remainder")

	i := realloc(t, c, 1*KiB, nil)
	require.Equal(t, e.End(), i.Addr, "1K request should go to the block tail")

	for _, buf := range []*buffer.Descriptor{a, x, e, f, g, h, i} {
		require.NoError(t, c.Free(buf))
	}
	require.NoError(t, c.Validate())
	require.NoError(t, c.Close())
}

func TestCompactBlocks(t *testing.T) {
	_, c := newCompact(t, 64*MiB)

	a := realloc(t, c, 1*MiB+512*KiB, nil)
	b := realloc(t, c, 1*MiB, nil)
	require.Equal(t, 2, c.Blocks(), "second buffer should need a new block")
	require.Equal(t, 4*MiB, c.BlockBytes())

	x := realloc(t, c, 3*MiB, nil)
	require.Equal(t, 3, c.Blocks(), "oversized buffer should get its own block")
	require.Equal(t, 7*MiB, c.BlockBytes())

	// the smallest fitting hole is the one left in the first block
	d := realloc(t, c, 512*KiB, nil)
	require.Equal(t, a.End(), d.Addr)
	require.Equal(t, 3, c.Blocks())

	// ties go to the lowest block
	addr := a.Addr
	require.NoError(t, c.Free(a))
	require.NoError(t, c.Free(d))
	require.NoError(t, c.Free(b))
	e := realloc(t, c, 1*MiB, nil)
	require.Equal(t, addr, e.Addr)

	for _, buf := range []*buffer.Descriptor{x, e} {
		require.NoError(t, c.Free(buf))
	}
	require.Equal(t, 3, c.Blocks(), "blocks should be kept until Close")
	require.NoError(t, c.Validate())
	require.NoError(t, c.Close())
}

func TestCompactResize(t *testing.T) {
	_, c := newCompact(t, 64*MiB)

	a := realloc(t, c, 8*KiB, nil)
	addr := a.Addr

	realloc(t, c, 8*KiB-100, a)
	require.Equal(t, addr, a.Addr, "same rounded size should resize in place")
	require.Equal(t, 8*KiB, c.AllocatedBytes())

	realloc(t, c, 2*KiB, a)
	require.Equal(t, addr, a.Addr, "shrinking should stay in place")
	require.Equal(t, 2*KiB, c.AllocatedBytes())

	b := realloc(t, c, 6*KiB, nil)
	require.Equal(t, addr.Add(2*KiB), b.Addr, "shrunk tail should be reused")

	realloc(t, c, 8*KiB, a)
	require.NotEqual(t, addr, a.Addr, "growing a blocked buffer should move it")
	require.Equal(t, b.End(), a.Addr)
	require.Equal(t, 14*KiB, c.AllocatedBytes())

	x := realloc(t, c, 2*KiB, nil)
	require.Equal(t, addr, x.Addr, "moved-from interval should be reused")

	require.NoError(t, c.Free(x))
	require.NoError(t, c.Free(a))
	realloc(t, c, 16*KiB, b)
	require.Equal(t, addr, b.Addr, "growing into coalesced free space")
	require.Equal(t, 16*KiB, c.AllocatedBytes())

	require.NoError(t, c.Realloc(0, b))
	require.Zero(t, b.Addr, "zero-sized Realloc should release")
	require.Zero(t, c.AllocatedBytes())

	require.NoError(t, c.Validate())
	require.NoError(t, c.Close())
}

func TestCompactFailedGrowth(t *testing.T) {
	_, c := newCompact(t, 4*MiB)

	a := realloc(t, c, 1*MiB, nil)
	b := realloc(t, c, 512*KiB, nil)
	saved := *a

	err := c.Realloc(3*MiB, a)
	require.ErrorIs(t, err, allocator.ErrAddressSpaceExhausted)
	require.Equal(t, saved, *a, "failed Realloc should leave the descriptor unchanged")
	require.Equal(t, 1*MiB+512*KiB, c.AllocatedBytes())
	require.Equal(t, 1, c.Blocks())
	require.NoError(t, c.Validate())

	x := realloc(t, c, 512*KiB, nil)
	require.Equal(t, b.End(), x.Addr, "failed Realloc should keep the buffer used")

	require.NoError(t, c.Free(a))
	require.NoError(t, c.Close())
}

func TestCompactInvalidRelease(t *testing.T) {
	_, c := newCompact(t, 16*MiB)

	a := realloc(t, c, 4*KiB, nil)

	require.ErrorIs(t, c.Free(&buffer.Descriptor{}), buffer.ErrInvalidRelease)
	require.ErrorIs(t, c.Free(&buffer.Descriptor{Addr: a.Addr + 256, Size: 256}), buffer.ErrInvalidRelease)
	require.ErrorIs(t, c.Realloc(1, &buffer.Descriptor{Addr: a.Addr + 256}), buffer.ErrInvalidRelease)

	stale := *a
	require.NoError(t, c.Free(a))
	require.ErrorIs(t, c.Free(&stale), buffer.ErrInvalidRelease, "double release")
	require.NoError(t, c.Validate())

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Realloc(1, &buffer.Descriptor{}), buffer.ErrClosed)
	require.ErrorIs(t, c.Free(&stale), buffer.ErrClosed)
	require.NoError(t, c.Close(), "second Close")
}

func TestCompactTeardown(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234} {
		dev, c := newCompact(t, 1024*MiB)
		rnd := rand.New(rand.NewSource(seed))

		var bufs []*buffer.Descriptor
		for range 500 {
			switch op := rnd.Intn(10); {
			case op < 5 || len(bufs) == 0:
				bytes := uint64(rnd.Intn(512*1024) + 1)
				if rnd.Intn(50) == 0 {
					bytes += 2 * MiB
				}
				bufs = append(bufs, realloc(t, c, bytes, nil))
			case op < 8:
				i := rnd.Intn(len(bufs))
				require.NoError(t, c.Free(bufs[i]))
				bufs = append(bufs[:i], bufs[i+1:]...)
			default:
				i := rnd.Intn(len(bufs))
				realloc(t, c, uint64(rnd.Intn(1024*1024)+1), bufs[i])
			}
			require.NoError(t, c.Validate())
		}

		require.NoError(t, c.Close())

		stats := dev.Stats()
		require.False(t, stats.Leaked(), "seed %d: leaked device resources: %s", seed, stats)
		require.Equal(t, stats.Calls[simulator.OpMemCreate], stats.Calls[simulator.OpMemRelease],
			"seed %d: every handle should be released exactly once", seed)
		require.Equal(t, stats.Calls[simulator.OpMemMap], stats.Calls[simulator.OpMemUnmap],
			"seed %d: every mapping should be removed exactly once", seed)
		require.Equal(t, 1, stats.Calls[simulator.OpAddressFree])
	}
}

func TestCompactTeardownDirect(t *testing.T) {
	dev := simulator.New()
	c, err := buffer.NewCompact(allocator.NewDirect(dev), 512, 1*MiB)
	require.NoError(t, err)

	for _, bytes := range []uint64{100, 1 * MiB, 3 * MiB, 512 * KiB, 700 * KiB} {
		realloc(t, c, bytes, nil)
	}
	blocks := c.Blocks()

	require.NoError(t, c.Close())

	stats := dev.Stats()
	require.False(t, stats.Leaked(), "leaked device resources: %s", stats)
	require.Equal(t, blocks, stats.Calls[simulator.OpMalloc])
	require.Equal(t, blocks, stats.Calls[simulator.OpFree], "every block should be freed exactly once")
}
