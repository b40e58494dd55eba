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

// Package simulator implements an in-process simulated GPU device. It
// enforces the same usage rules as a real driver (granularity, mapping
// and handle lifecycle, memory capacity), tracks every live resource,
// and can inject failures into any driver call. It is used as the test
// double for the device primitives and as the backend for allocation
// trace replays.
package simulator

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/containers/devmem/pkg/gpu"
	logger "github.com/containers/devmem/pkg/log"
)

// Names of simulated driver calls, used for call counting and failure injection.
const (
	OpMalloc         = "Malloc"
	OpFree           = "Free"
	OpMallocAsync    = "MallocAsync"
	OpFreeAsync      = "FreeAsync"
	OpSynchronize    = "Synchronize"
	OpMemGetInfo     = "MemGetInfo"
	OpGranularity    = "AllocationGranularity"
	OpAddressReserve = "AddressReserve"
	OpAddressFree    = "AddressFree"
	OpMemCreate      = "MemCreate"
	OpMemRelease     = "MemRelease"
	OpMemMap         = "MemMap"
	OpMemUnmap       = "MemUnmap"
	OpMemSetAccess   = "MemSetAccess"
)

const (
	// DefaultTotalMemory is the default amount of simulated device memory.
	DefaultTotalMemory = 16 << 30
	// DefaultGranularity is the default physical allocation granularity.
	DefaultGranularity = 2 << 20
	// DefaultAddressBase is the default start of the simulated address space.
	DefaultAddressBase gpu.Ptr = 0x7f0000000000
	// mallocAlignment is the alignment of plain allocations.
	mallocAlignment = 256
)

var (
	log = logger.Get("simulator")
)

// Device is a simulated GPU device.
type Device struct {
	mu           sync.Mutex
	id           int
	total        uint64
	granularity  uint64
	noVirtual    bool
	stream       gpu.Stream
	nextAddr     gpu.Ptr
	nextHandle   gpu.MemHandle
	allocs       map[gpu.Ptr]*allocation
	handles      map[gpu.MemHandle]*handle
	reservations map[gpu.Ptr]*reservation
	failures     map[string]*failure
	calls        map[string]int
	physical     uint64
	allocated    uint64
}

type allocation struct {
	size   uint64
	stream bool
}

type handle struct {
	size   uint64
	mapped int
}

type reservation struct {
	base     gpu.Ptr
	size     uint64
	mappings map[uint64]*mapping
}

type mapping struct {
	offset uint64
	size   uint64
	handle gpu.MemHandle
	access gpu.AccessFlags
}

type failure struct {
	countdown int
	code      gpu.Code
}

// Option is an option for a simulated Device.
type Option func(*Device)

// WithID sets the device ordinal.
func WithID(id int) Option {
	return func(d *Device) {
		d.id = id
	}
}

// WithTotalMemory sets the amount of device memory.
func WithTotalMemory(bytes uint64) Option {
	return func(d *Device) {
		d.total = bytes
	}
}

// WithGranularity sets the physical allocation granularity.
func WithGranularity(bytes uint64) Option {
	return func(d *Device) {
		d.granularity = bytes
	}
}

// WithoutVirtualMemory simulates a platform without virtual memory management.
func WithoutVirtualMemory() Option {
	return func(d *Device) {
		d.noVirtual = true
	}
}

// WithAddressBase sets the start of the simulated address space.
func WithAddressBase(base gpu.Ptr) Option {
	return func(d *Device) {
		d.nextAddr = base
	}
}

// WithFailure makes the nth call to op fail with the given code.
func WithFailure(op string, nth int, code gpu.Code) Option {
	return func(d *Device) {
		d.failures[op] = &failure{countdown: nth, code: code}
	}
}

// New creates a new simulated device.
func New(options ...Option) *Device {
	d := &Device{
		total:        DefaultTotalMemory,
		granularity:  DefaultGranularity,
		stream:       1,
		nextAddr:     DefaultAddressBase,
		nextHandle:   1,
		allocs:       make(map[gpu.Ptr]*allocation),
		handles:      make(map[gpu.MemHandle]*handle),
		reservations: make(map[gpu.Ptr]*reservation),
		failures:     make(map[string]*failure),
		calls:        make(map[string]int),
	}

	for _, o := range options {
		o(d)
	}

	log.Debug("created simulated device #%d (%d bytes, granularity %d, virtual memory %v)",
		d.id, d.total, d.granularity, !d.noVirtual)

	return d
}

// InjectFailure makes the nth next call to op fail with the given code.
func (d *Device) InjectFailure(op string, nth int, code gpu.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = &failure{countdown: nth, code: code}
}

// ID implements gpu.Device.
func (d *Device) ID() int {
	return d.id
}

// Stream implements gpu.Device.
func (d *Device) Stream() gpu.Stream {
	return d.stream
}

// VirtualMemory implements gpu.Device.
func (d *Device) VirtualMemory() (gpu.VirtualMemory, bool) {
	if d.noVirtual {
		return nil, false
	}
	return d, true
}

// MemGetInfo implements gpu.Device.
func (d *Device) MemGetInfo() (uint64, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemGetInfo); err != nil {
		return 0, 0, err
	}

	return d.total - d.physical - d.allocated, d.total, nil
}

// Synchronize implements gpu.Device.
func (d *Device) Synchronize(stream gpu.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpSynchronize); err != nil {
		return err
	}
	if stream != d.stream {
		return gpu.NewError(OpSynchronize, gpu.ErrorInvalidValue, "unknown stream %d", stream)
	}
	return nil
}

// Malloc implements gpu.Memory.
func (d *Device) Malloc(bytes uint64) (gpu.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMalloc); err != nil {
		return 0, err
	}
	return d.malloc(OpMalloc, bytes, false)
}

// Free implements gpu.Memory.
func (d *Device) Free(ptr gpu.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpFree); err != nil {
		return err
	}
	return d.free(OpFree, ptr, false)
}

// MallocAsync implements gpu.StreamMemory.
func (d *Device) MallocAsync(bytes uint64, stream gpu.Stream) (gpu.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMallocAsync); err != nil {
		return 0, err
	}
	if stream != d.stream {
		return 0, gpu.NewError(OpMallocAsync, gpu.ErrorInvalidValue, "unknown stream %d", stream)
	}
	return d.malloc(OpMallocAsync, bytes, true)
}

// FreeAsync implements gpu.StreamMemory.
func (d *Device) FreeAsync(ptr gpu.Ptr, stream gpu.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpFreeAsync); err != nil {
		return err
	}
	if stream != d.stream {
		return gpu.NewError(OpFreeAsync, gpu.ErrorInvalidValue, "unknown stream %d", stream)
	}
	return d.free(OpFreeAsync, ptr, true)
}

func (d *Device) malloc(op string, bytes uint64, stream bool) (gpu.Ptr, error) {
	if bytes == 0 {
		return 0, gpu.NewError(op, gpu.ErrorInvalidValue, "zero-sized allocation")
	}
	if d.available() < bytes {
		return 0, gpu.NewError(op, gpu.ErrorOutOfMemory, "%d bytes requested, %d free", bytes, d.available())
	}

	ptr := d.carve(bytes, mallocAlignment)
	d.allocs[ptr] = &allocation{size: bytes, stream: stream}
	d.allocated += bytes

	return ptr, nil
}

func (d *Device) free(op string, ptr gpu.Ptr, stream bool) error {
	a, ok := d.allocs[ptr]
	if !ok {
		return gpu.NewError(op, gpu.ErrorInvalidValue, "unknown pointer %s", ptr)
	}
	if a.stream != stream {
		return gpu.NewError(op, gpu.ErrorInvalidValue, "pointer %s freed with mismatching call", ptr)
	}

	delete(d.allocs, ptr)
	d.allocated -= a.size

	return nil
}

// AllocationGranularity implements gpu.VirtualMemory.
func (d *Device) AllocationGranularity(prop gpu.AllocationProp) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpGranularity); err != nil {
		return 0, err
	}
	if err := d.checkProp(OpGranularity, prop); err != nil {
		return 0, err
	}
	return d.granularity, nil
}

// AddressReserve implements gpu.VirtualMemory.
func (d *Device) AddressReserve(size, alignment uint64) (gpu.Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpAddressReserve); err != nil {
		return 0, err
	}
	if size == 0 || size%d.granularity != 0 {
		return 0, gpu.NewError(OpAddressReserve, gpu.ErrorInvalidValue,
			"size %d not a multiple of granularity %d", size, d.granularity)
	}
	if alignment != 0 && alignment&(alignment-1) != 0 {
		return 0, gpu.NewError(OpAddressReserve, gpu.ErrorInvalidValue,
			"alignment %d not a power of 2", alignment)
	}

	ptr := d.carve(size, max(alignment, d.granularity))
	d.reservations[ptr] = &reservation{
		base:     ptr,
		size:     size,
		mappings: make(map[uint64]*mapping),
	}

	return ptr, nil
}

// AddressFree implements gpu.VirtualMemory.
func (d *Device) AddressFree(ptr gpu.Ptr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpAddressFree); err != nil {
		return err
	}

	r, ok := d.reservations[ptr]
	if !ok || r.size != size {
		return gpu.NewError(OpAddressFree, gpu.ErrorInvalidValue,
			"no reservation of %d bytes at %s", size, ptr)
	}
	if len(r.mappings) != 0 {
		return gpu.NewError(OpAddressFree, gpu.ErrorNotPermitted,
			"reservation at %s still has %d mappings", ptr, len(r.mappings))
	}

	delete(d.reservations, ptr)
	return nil
}

// MemCreate implements gpu.VirtualMemory.
func (d *Device) MemCreate(size uint64, prop gpu.AllocationProp) (gpu.MemHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemCreate); err != nil {
		return 0, err
	}
	if err := d.checkProp(OpMemCreate, prop); err != nil {
		return 0, err
	}
	if size == 0 || size%d.granularity != 0 {
		return 0, gpu.NewError(OpMemCreate, gpu.ErrorInvalidValue,
			"size %d not a multiple of granularity %d", size, d.granularity)
	}
	if d.available() < size {
		return 0, gpu.NewError(OpMemCreate, gpu.ErrorOutOfMemory,
			"%d bytes requested, %d free", size, d.available())
	}

	h := d.nextHandle
	d.nextHandle++
	d.handles[h] = &handle{size: size}
	d.physical += size

	return h, nil
}

// MemRelease implements gpu.VirtualMemory.
func (d *Device) MemRelease(h gpu.MemHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemRelease); err != nil {
		return err
	}

	mh, ok := d.handles[h]
	if !ok {
		return gpu.NewError(OpMemRelease, gpu.ErrorInvalidHandle, "unknown handle %d", h)
	}
	if mh.mapped > 0 {
		return gpu.NewError(OpMemRelease, gpu.ErrorNotPermitted,
			"handle %d still mapped %d times", h, mh.mapped)
	}

	delete(d.handles, h)
	d.physical -= mh.size

	return nil
}

// MemMap implements gpu.VirtualMemory.
func (d *Device) MemMap(ptr gpu.Ptr, size, offset uint64, h gpu.MemHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemMap); err != nil {
		return err
	}

	mh, ok := d.handles[h]
	if !ok {
		return gpu.NewError(OpMemMap, gpu.ErrorInvalidHandle, "unknown handle %d", h)
	}
	if offset != 0 {
		return gpu.NewError(OpMemMap, gpu.ErrorNotSupported, "non-zero handle offset %d", offset)
	}
	if size == 0 || size%d.granularity != 0 || size > mh.size {
		return gpu.NewError(OpMemMap, gpu.ErrorInvalidValue,
			"invalid size %d for handle %d of %d bytes", size, h, mh.size)
	}

	r, err := d.lookupRange(OpMemMap, ptr, size)
	if err != nil {
		return err
	}

	start := ptr.Offset(r.base)
	if start%d.granularity != 0 {
		return gpu.NewError(OpMemMap, gpu.ErrorInvalidValue,
			"address %s not aligned to granularity %d", ptr, d.granularity)
	}
	for _, m := range r.mappings {
		if start < m.offset+m.size && m.offset < start+size {
			return gpu.NewError(OpMemMap, gpu.ErrorAlreadyMapped,
				"range %s+%d overlaps existing mapping", ptr, size)
		}
	}

	r.mappings[start] = &mapping{offset: start, size: size, handle: h}
	mh.mapped++

	return nil
}

// MemUnmap implements gpu.VirtualMemory.
func (d *Device) MemUnmap(ptr gpu.Ptr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemUnmap); err != nil {
		return err
	}

	r, err := d.lookupRange(OpMemUnmap, ptr, size)
	if err != nil {
		return err
	}

	start, end := ptr.Offset(r.base), ptr.Offset(r.base)+size
	var unmap []*mapping
	for _, m := range r.mappings {
		switch {
		case m.offset >= start && m.offset+m.size <= end:
			unmap = append(unmap, m)
		case m.offset < end && start < m.offset+m.size:
			return gpu.NewError(OpMemUnmap, gpu.ErrorInvalidValue,
				"range %s+%d partially covers a mapping", ptr, size)
		}
	}
	if len(unmap) == 0 {
		return gpu.NewError(OpMemUnmap, gpu.ErrorNotMapped, "nothing mapped at %s+%d", ptr, size)
	}

	for _, m := range unmap {
		delete(r.mappings, m.offset)
		d.handles[m.handle].mapped--
	}

	return nil
}

// MemSetAccess implements gpu.VirtualMemory.
func (d *Device) MemSetAccess(ptr gpu.Ptr, size uint64, desc []gpu.AccessDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.enter(OpMemSetAccess); err != nil {
		return err
	}
	if len(desc) == 0 {
		return gpu.NewError(OpMemSetAccess, gpu.ErrorInvalidValue, "no access descriptors")
	}

	var flags gpu.AccessFlags
	for _, ad := range desc {
		if ad.Location != gpu.DeviceLocation(d.id) {
			return gpu.NewError(OpMemSetAccess, gpu.ErrorInvalidValue,
				"access for foreign %s", ad.Location)
		}
		flags = ad.Flags
	}

	r, err := d.lookupRange(OpMemSetAccess, ptr, size)
	if err != nil {
		return err
	}

	var (
		start   = ptr.Offset(r.base)
		end     = start + size
		covered = start
	)
	for _, off := range slices.Sorted(maps.Keys(r.mappings)) {
		m := r.mappings[off]
		if m.offset+m.size <= start || m.offset >= end {
			continue
		}
		if m.offset > covered {
			break
		}
		m.access = flags
		covered = m.offset + m.size
	}
	if covered < end {
		return gpu.NewError(OpMemSetAccess, gpu.ErrorNotMapped,
			"range %s+%d not fully mapped", ptr, size)
	}

	return nil
}

// Accessible returns true if the byte at ptr is mapped read-write or
// was allocated with Malloc/MallocAsync.
func (d *Device) Accessible(ptr gpu.Ptr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for base, a := range d.allocs {
		if ptr >= base && ptr < base.Add(a.size) {
			return true
		}
	}
	for _, r := range d.reservations {
		if ptr < r.base || ptr >= r.base.Add(r.size) {
			continue
		}
		off := ptr.Offset(r.base)
		for _, m := range r.mappings {
			if off >= m.offset && off < m.offset+m.size {
				return m.access == gpu.AccessReadWrite
			}
		}
	}
	return false
}

func (d *Device) lookupRange(op string, ptr gpu.Ptr, size uint64) (*reservation, error) {
	for _, r := range d.reservations {
		if ptr >= r.base && ptr.Add(size) <= r.base.Add(r.size) {
			return r, nil
		}
	}
	return nil, gpu.NewError(op, gpu.ErrorInvalidValue, "range %s+%d not reserved", ptr, size)
}

func (d *Device) checkProp(op string, prop gpu.AllocationProp) error {
	if prop.Type != gpu.AllocationPinned {
		return gpu.NewError(op, gpu.ErrorNotSupported, "allocation type %d", prop.Type)
	}
	if prop.Location != gpu.DeviceLocation(d.id) {
		return gpu.NewError(op, gpu.ErrorInvalidValue, "allocation for foreign %s", prop.Location)
	}
	return nil
}

func (d *Device) carve(size, alignment uint64) gpu.Ptr {
	ptr := gpu.Ptr(alignUp(uint64(d.nextAddr), alignment))
	d.nextAddr = ptr.Add(alignUp(size, mallocAlignment))
	return ptr
}

func (d *Device) available() uint64 {
	return d.total - d.physical - d.allocated
}

// enter counts a call and triggers any pending injected failure for it.
func (d *Device) enter(op string) error {
	d.calls[op]++

	f, ok := d.failures[op]
	if !ok {
		return nil
	}
	if f.countdown--; f.countdown > 0 {
		return nil
	}

	delete(d.failures, op)
	log.Debug("injecting failure %d into %s", f.code, op)

	return gpu.NewError(op, f.code, "injected failure")
}

func alignUp(n, alignment uint64) uint64 {
	if alignment == 0 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}

// String returns a short description of the device.
func (d *Device) String() string {
	return fmt.Sprintf("simulated device #%d", d.id)
}
