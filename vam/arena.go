package vam

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/metadata"
	"github.com/vkngwrapper/framealloc/vam/internal/utils"
	"golang.org/x/exp/slog"
)

// arena is a single native buffer and the suballocator that manages its address space. Exactly one
// of ring, freeList, chunks, or transient is set, depending on the arena's policy.
type arena struct {
	logger *slog.Logger
	info   ArenaCreateInfo
	index  int
	native NativeArena

	mutex utils.OptionalRWMutex

	ring      *metadata.RingBlockMetadata
	freeList  *metadata.FreeListBlockMetadata
	chunks    *metadata.ChunkBlockMetadata
	transient []*metadata.BumpBlockMetadata

	// pending holds the offsets queued by DeferFree that have not been purged yet
	pending *swiss.Map[int, struct{}]

	// ringConsumed holds the ring's total consumption at the start of each slot's most recent frame,
	// or -1 if the slot has not run
	ringConsumed []int
}

func newArena(logger *slog.Logger, info ArenaCreateInfo, index int, native NativeArena, frameCount int, useMutex bool) *arena {
	a := &arena{
		logger: logger,
		info:   info,
		index:  index,
		native: native,
		mutex:  utils.OptionalRWMutex{UseMutex: useMutex},
	}

	switch info.Policy {
	case PolicyRing:
		a.ring = metadata.NewRingBlockMetadata(info.Size)
		a.ringConsumed = make([]int, frameCount)
		for slot := range a.ringConsumed {
			a.ringConsumed[slot] = -1
		}
	case PolicyFreeList:
		a.freeList = metadata.NewFreeListBlockMetadata(info.MinAlignment)
		a.freeList.Init(info.Size)
	case PolicyChunk:
		a.chunks = metadata.NewChunkBlockMetadata(info.ChunkSize, info.MinAlignment)
		a.chunks.Init(info.Size)
	case PolicyTransient:
		window := info.Size / frameCount
		a.transient = make([]*metadata.BumpBlockMetadata, frameCount)
		for slot := range a.transient {
			a.transient[slot] = metadata.NewBumpBlockMetadata(slot*window, window)
		}
	}

	if info.Policy.individuallyFreed() {
		a.pending = swiss.NewMap[int, struct{}](16)
	}

	return a
}

func (a *arena) metadata() []metadata.BlockMetadata {
	switch a.info.Policy {
	case PolicyRing:
		return []metadata.BlockMetadata{a.ring}
	case PolicyFreeList:
		return []metadata.BlockMetadata{a.freeList}
	case PolicyChunk:
		return []metadata.BlockMetadata{a.chunks}
	}

	blocks := make([]metadata.BlockMetadata, 0, len(a.transient))
	for _, window := range a.transient {
		blocks = append(blocks, window)
	}
	return blocks
}

// allocate reserves size bytes and returns the offset of the reservation within the arena. slot is
// the recording frame slot, or -1 if no frame is recording. It only matters to transient arenas.
func (a *arena) allocate(size int, alignment uint, slot int) (int, error) {
	alignment = memutils.MaxAlignment(alignment, a.info.MinAlignment)

	switch a.info.Policy {
	case PolicyRing:
		if size > a.info.Size {
			return 0, errors.Wrapf(memutils.ErrInvalidSize, "%d bytes requested from the %d byte ring arena %q",
				size, a.info.Size, a.info.Name)
		}

		// The ring is lock-free, so no mutex
		return a.ring.Allocate(size, alignment), nil
	case PolicyChunk:
		if size > a.chunks.ChunkSize() {
			return 0, errors.Wrapf(memutils.ErrInvalidSize, "%d bytes requested from chunk arena %q, which has %d byte chunks",
				size, a.info.Name, a.chunks.ChunkSize())
		}

		// Chunks start at multiples of the stride
		stride := a.chunks.ChunkStride()
		if memutils.AlignUp(stride, alignment) != stride {
			return 0, errors.Newf("chunk arena %q cannot provide %d byte alignment", a.info.Name, alignment)
		}

		a.mutex.Lock()
		defer a.mutex.Unlock()

		return a.chunks.Allocate()
	case PolicyTransient:
		if slot < 0 {
			return 0, errors.Wrapf(memutils.ErrInvalidHandle,
				"transient arena %q can only be allocated from while a frame is recording", a.info.Name)
		}

		a.mutex.Lock()
		defer a.mutex.Unlock()

		return a.transient[slot].Allocate(size, alignment)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset, _, err := a.freeList.Allocate(size, alignment)
	return offset, err
}

func (a *arena) free(offset int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.pending != nil && a.pending.Has(offset) {
		return errors.Wrapf(memutils.ErrInvalidFree, "offset %d in arena %q is already queued for a deferred free",
			offset, a.info.Name)
	}

	return a.freeLocked(offset)
}

func (a *arena) freeLocked(offset int) error {
	switch a.info.Policy {
	case PolicyFreeList:
		return a.freeList.Free(offset)
	case PolicyChunk:
		return a.chunks.Free(offset)
	}

	return errors.Wrapf(memutils.ErrInvalidHandle, "%s arena %q does not support individual frees",
		a.info.Policy, a.info.Name)
}

// queueFree records that offset will be freed at a later purge. It fails if offset is not a live
// allocation or is already queued.
func (a *arena) queueFree(offset int) error {
	if a.pending == nil {
		return errors.Wrapf(memutils.ErrInvalidHandle, "%s arena %q does not support individual frees",
			a.info.Policy, a.info.Name)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, err := a.sizeLocked(offset)
	if err != nil {
		return err
	}

	if a.pending.Has(offset) {
		return errors.Wrapf(memutils.ErrInvalidFree, "offset %d in arena %q is already queued for a deferred free",
			offset, a.info.Name)
	}

	a.pending.Put(offset, struct{}{})
	return nil
}

// releaseQueued frees an offset recorded by queueFree
func (a *arena) releaseQueued(offset int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.pending.Has(offset) {
		return errors.Wrapf(memutils.ErrInvalidFree, "offset %d in arena %q was not queued for a deferred free",
			offset, a.info.Name)
	}
	a.pending.Delete(offset)

	return a.freeLocked(offset)
}

// size returns the size of the live allocation at offset, or 0 for arenas that do not track
// individual allocations
func (a *arena) size(offset int) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.sizeLocked(offset)
}

func (a *arena) sizeLocked(offset int) (int, error) {
	if offset < 0 || offset >= a.info.Size {
		return 0, errors.Wrapf(memutils.ErrInvalidHandle, "offset %d is outside the %d byte arena %q",
			offset, a.info.Size, a.info.Name)
	}

	switch a.info.Policy {
	case PolicyFreeList:
		size, ok := a.freeList.Lookup(offset)
		if !ok {
			return 0, errors.Wrapf(memutils.ErrInvalidHandle, "no allocation begins at offset %d in arena %q",
				offset, a.info.Name)
		}
		return size, nil
	case PolicyChunk:
		if !a.chunks.IsTaken(offset) {
			return 0, errors.Wrapf(memutils.ErrInvalidHandle, "no chunk is allocated at offset %d in arena %q",
				offset, a.info.Name)
		}
		return a.chunks.ChunkSize(), nil
	}

	return 0, nil
}

// beginFrame is called when a slot is handed out for a new frame. For ring arenas, it warns if
// the ring has lapped the space written during the slot's previous frame, since that frame may
// have still been in flight.
func (a *arena) beginFrame(slot int) {
	if a.ring == nil {
		return
	}

	consumed := a.ring.Consumed()
	window := consumed - a.ringConsumed[slot]
	if a.ringConsumed[slot] >= 0 && window > a.info.Size {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn,
			"ring arena was overrun: frames in flight wrote more than the arena holds",
			slog.String("arena", a.info.Name),
			slog.Int("slot", slot),
			slog.Int("bytesWritten", window),
			slog.Int("arenaSize", a.info.Size),
		)
	}
	a.ringConsumed[slot] = consumed
}

// retire reclaims the slot's transient window
func (a *arena) retire(slot int) {
	if a.transient == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.transient[slot].Reset()
}

func (a *arena) validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, block := range a.metadata() {
		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "arena %q failed validation", a.info.Name)
		}
	}

	return nil
}

func (a *arena) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, block := range a.metadata() {
		block.AddDetailedStatistics(stats)
	}
}

func (a *arena) addStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, block := range a.metadata() {
		block.AddStatistics(stats)
	}
}

func (a *arena) printDetailedMap(json jwriter.ObjectState) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	json.Name("Name").String(a.info.Name)
	json.Name("Policy").String(a.info.Policy.String())

	if a.transient == nil {
		a.metadata()[0].BlockJsonData(json)
		return
	}

	windows := json.Name("Windows").Array()
	for _, window := range a.transient {
		windowObj := windows.Object()
		window.BlockJsonData(windowObj)
		windowObj.End()
	}
	windows.End()
}

// destroy logs every allocation that was never freed, then releases the native buffer
func (a *arena) destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var visitor metadata.RegionVisitor
	switch a.info.Policy {
	case PolicyFreeList:
		visitor = a.freeList
	case PolicyChunk:
		visitor = a.chunks
	}

	if visitor != nil {
		err := visitor.VisitAllRegions(func(region metadata.Suballocation) error {
			if !region.Free {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.String("arena", a.info.Name),
					slog.Int("offset", region.Offset),
					slog.Int("size", region.Size),
				)
			}
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.String("arena", a.info.Name),
				slog.Any("error", err))
		}
	}

	a.native.Destroy()
	a.native = nil
}
