package vam

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/droplist"
	"github.com/vkngwrapper/framealloc/memutils/handle"
	"github.com/vkngwrapper/framealloc/memutils/pacer"
	"github.com/vkngwrapper/framealloc/vam/internal/utils"
	"golang.org/x/exp/slog"
)

// Region is the resolved location of a suballocation
type Region struct {
	// Arena is the native buffer the suballocation lives in
	Arena NativeArena
	// Offset is the suballocation's byte offset within Arena
	Offset int
	// Size is the suballocation's size in bytes. Ring and transient arenas do not record the size of
	// individual allocations and report 0.
	Size int
}

// Allocator hands out suballocations of a fixed set of arenas and paces frames so that released
// resources are only destroyed after the device has finished with them.
//
// Allocate, AllocateRegion, Free, and Resolve may be called from any goroutine unless the allocator
// was created with AllocatorCreateExternallySynchronized. DeferFree, DeferDestroy, BeginFrame,
// EndFrame, and RetireCompleted are serialized with one another.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	backend     Backend

	arenas [ArenaKindCount][]*arena

	pacerMutex utils.OptionalMutex
	pacer      *pacer.FramePacer

	// recordingSlot is the slot between BeginFrame and EndFrame, or -1
	recordingSlot atomic.Int32

	destroyed atomic.Bool
}

// dropListAllocators returns space freed by drop list purges to the allocator's arenas
type dropListAllocators struct {
	allocator *Allocator
}

func (d dropListAllocators) FreeSuballocation(arena droplist.ArenaRef, offset int) {
	target := d.allocator.arenas[arena.Kind][arena.Index]
	err := target.releaseQueued(offset)
	if err != nil {
		panic(errors.Wrapf(err, "failed to free deferred suballocation at offset %d in arena %q", offset, target.info.Name))
	}
}

// New creates an Allocator and the native arenas it manages. If any arena or fence cannot be
// created, everything created so far is destroyed before the error is returned.
func New(logger *slog.Logger, backend Backend, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	options.Arenas = append([]ArenaCreateInfo(nil), options.Arenas...)
	err := options.validate()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		backend:     backend,
		pacerMutex:  utils.OptionalMutex{UseMutex: useMutex},
	}
	allocator.recordingSlot.Store(-1)

	for _, info := range options.Arenas {
		native, err := backend.CreateArena(info)
		if err != nil {
			allocator.destroyArenas()
			return nil, errors.Wrapf(err, "failed to create arena %q", info.Name)
		}

		if native.Size() < info.Size {
			native.Destroy()
			allocator.destroyArenas()
			return nil, errors.Newf("backend created %d bytes for arena %q, but %d were requested",
				native.Size(), info.Name, info.Size)
		}

		index := len(allocator.arenas[info.Kind])
		allocator.arenas[info.Kind] = append(allocator.arenas[info.Kind],
			newArena(logger, info, index, native, options.FramesInFlight, useMutex))
	}

	allocator.pacer, err = pacer.New(pacer.CreateOptions{
		FrameCount: options.FramesInFlight,
		Fences:     backend.CreateFence,
		Allocators: dropListAllocators{allocator: allocator},
		OnRetire:   allocator.retireSlot,
		Logger:     logger,
	})
	if err != nil {
		allocator.destroyArenas()
		return nil, err
	}

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("FramesInFlight", options.FramesInFlight),
		slog.Int("ArenaCount", len(options.Arenas)),
	)

	return allocator, nil
}

func (a *Allocator) retireSlot(slot int) {
	for kind := range a.arenas {
		for _, arena := range a.arenas[kind] {
			arena.retire(slot)
		}
	}
}

func (a *Allocator) checkLive() {
	if a.destroyed.Load() {
		panic("attempted to use an allocator that has been destroyed")
	}
}

func (a *Allocator) findArena(kind ArenaKind, h handle.Handle) (*arena, int, error) {
	if !kind.valid() {
		return nil, 0, errors.Newf("unknown arena kind %d", int(kind))
	}

	index, offset := kind.Codec().Decode(h)
	if index >= len(a.arenas[kind]) {
		return nil, 0, errors.Wrapf(memutils.ErrInvalidHandle, "handle %#x refers to %s arena %d, but there are %d",
			uint32(h), kind, index, len(a.arenas[kind]))
	}

	return a.arenas[kind][index], offset, nil
}

// Allocate reserves size bytes, aligned to at least alignment, from an arena of the requested
// kind and returns a handle to the reservation. Free-list kinds try each arena in creation order.
//
// Errors wrap memutils.ErrNoCompatibleMemoryClass if no arena of the kind exists,
// memutils.ErrOutOfSpace if every arena is full, memutils.ErrTooManyAllocationChunks if a chunk
// arena has no free chunk, and memutils.ErrInvalidSize for zero-size requests or requests larger
// than the arena can ever serve. Transient kinds can only be allocated between BeginFrame and
// EndFrame, and fail with memutils.ErrInvalidHandle otherwise.
func (a *Allocator) Allocate(kind ArenaKind, size int, alignment uint) (handle.Handle, error) {
	target, offset, err := a.allocate(kind, size, alignment)
	if err != nil {
		return 0, err
	}

	return kind.Codec().Encode(target.index, offset), nil
}

// AllocateRegion behaves like Allocate, but returns the resolved region alongside the handle
func (a *Allocator) AllocateRegion(kind ArenaKind, size int, alignment uint) (handle.Handle, Region, error) {
	target, offset, err := a.allocate(kind, size, alignment)
	if err != nil {
		return 0, Region{}, err
	}

	regionSize := 0
	if target.info.Policy == PolicyFreeList {
		regionSize, err = target.size(offset)
		if err != nil {
			return 0, Region{}, err
		}
	} else if target.info.Policy == PolicyChunk {
		regionSize = target.info.ChunkSize
	}

	return kind.Codec().Encode(target.index, offset), Region{
		Arena:  target.native,
		Offset: offset,
		Size:   regionSize,
	}, nil
}

func (a *Allocator) allocate(kind ArenaKind, size int, alignment uint) (*arena, int, error) {
	a.checkLive()

	if !kind.valid() {
		return nil, 0, errors.Newf("unknown arena kind %d", int(kind))
	}

	if size < 1 {
		return nil, 0, errors.Wrapf(memutils.ErrInvalidSize, "allocation size must be positive, got %d", size)
	}

	if alignment > 1 {
		err := memutils.CheckPow2(alignment, "alignment")
		if err != nil {
			return nil, 0, err
		}
	}

	arenas := a.arenas[kind]
	if len(arenas) == 0 {
		return nil, 0, errors.Wrapf(memutils.ErrNoCompatibleMemoryClass, "no %s arenas were created", kind)
	}

	slot := int(a.recordingSlot.Load())

	var allErrs error
	for _, target := range arenas {
		offset, err := target.allocate(size, alignment, slot)
		if err == nil {
			return target, offset, nil
		}

		// Another arena of the same kind may still have room
		if errors.Is(err, memutils.ErrOutOfSpace) {
			allErrs = errors.CombineErrors(allErrs, err)
			continue
		}

		return nil, 0, err
	}

	a.logger.Debug("Allocator::Allocate out of space",
		slog.String("Kind", kind.String()),
		slog.Int("Size", size),
		slog.Int("Alignment", int(alignment)),
	)

	return nil, 0, errors.Wrapf(allErrs, "no %s arena could satisfy %d bytes", kind, size)
}

// Free immediately returns a suballocation's space to its arena. It must only be used for
// suballocations the device can no longer be reading; use DeferFree otherwise. Ring and transient
// arenas have no individual free and return an error wrapping memutils.ErrInvalidHandle.
func (a *Allocator) Free(kind ArenaKind, h handle.Handle) error {
	a.checkLive()

	target, offset, err := a.findArena(kind, h)
	if err != nil {
		return err
	}

	return target.free(offset)
}

// DeferFree queues a suballocation to be freed once the current frame has finished on the device.
// The handle is checked immediately, so a bad handle fails here rather than at purge time. Queuing
// the same suballocation twice, or freeing it with Free while it is queued, fails with an error
// wrapping memutils.ErrInvalidFree.
func (a *Allocator) DeferFree(kind ArenaKind, h handle.Handle) error {
	a.checkLive()

	target, offset, err := a.findArena(kind, h)
	if err != nil {
		return err
	}

	err = target.queueFree(offset)
	if err != nil {
		return err
	}

	a.DeferDestroy(droplist.KindSuballocation, droplist.Suballocation{
		Arena:  droplist.ArenaRef{Kind: int(kind), Index: target.index},
		Offset: offset,
	})
	return nil
}

// DeferDestroy queues a native resource for destruction once the current frame has finished on
// the device. Within a purge, resources are destroyed in kind phase order: views and descriptor
// sets, then images and buffers, then memory and suballocations.
func (a *Allocator) DeferDestroy(kind droplist.Kind, resource droplist.Resource) {
	a.checkLive()

	a.pacerMutex.Lock()
	defer a.pacerMutex.Unlock()

	a.pacer.Push(kind, resource)
}

// Resolve returns the native arena and offset a handle refers to. Free-list and chunk handles are
// checked against the arena's live allocations, while ring and transient handles are only checked
// for range.
func (a *Allocator) Resolve(kind ArenaKind, h handle.Handle) (Region, error) {
	a.checkLive()

	target, offset, err := a.findArena(kind, h)
	if err != nil {
		return Region{}, err
	}

	size, err := target.size(offset)
	if err != nil {
		return Region{}, err
	}

	return Region{
		Arena:  target.native,
		Offset: offset,
		Size:   size,
	}, nil
}

// BeginFrame starts a new frame. If the next frame slot is still in flight, BeginFrame blocks
// until the device finishes it, then destroys everything that was deferred during that frame and
// reclaims the slot's transient space. A failed wait returns an error wrapping
// memutils.ErrDeviceLost, and every later call fails the same way.
func (a *Allocator) BeginFrame() (pacer.Token, error) {
	a.checkLive()

	a.pacerMutex.Lock()
	defer a.pacerMutex.Unlock()

	if a.createFlags&AllocatorCreateValidateOnFrame != 0 {
		err := a.validate()
		if err != nil {
			return pacer.Token{}, err
		}
	}

	token, err := a.pacer.BeginFrame()
	if err != nil {
		return pacer.Token{}, err
	}

	a.recordingSlot.Store(int32(token.Slot()))
	for kind := range a.arenas {
		for _, arena := range a.arenas[kind] {
			arena.beginFrame(token.Slot())
		}
	}

	return token, nil
}

// EndFrame marks the frame as submitted. The device work submitted for the frame must signal
// token.Fence().
func (a *Allocator) EndFrame(token pacer.Token) error {
	a.checkLive()

	a.pacerMutex.Lock()
	defer a.pacerMutex.Unlock()

	err := a.pacer.EndFrame(token)
	if err != nil {
		return err
	}

	// The slot is in flight now, so its transient window belongs to the device until it retires
	a.recordingSlot.Store(-1)
	return nil
}

// RetireCompleted retires every in-flight frame the device has already finished without blocking,
// returning how many were retired
func (a *Allocator) RetireCompleted() (int, error) {
	a.checkLive()

	a.pacerMutex.Lock()
	defer a.pacerMutex.Unlock()

	return a.pacer.RetireCompleted()
}

// FramesInFlight returns the number of frame slots
func (a *Allocator) FramesInFlight() int {
	return a.pacer.FrameCount()
}

// Validate runs the consistency checks of every arena. The checks may be expensive.
func (a *Allocator) Validate() error {
	a.checkLive()
	return a.validate()
}

func (a *Allocator) validate() error {
	for kind := range a.arenas {
		for _, arena := range a.arenas[kind] {
			err := arena.validate()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Destroy waits for every frame in flight, destroys everything still deferred, and releases the
// native arenas. Allocations that were never freed are logged at error level. The allocator may
// not be used afterward. The returned error wraps memutils.ErrDeviceLost if a frame could not be
// waited on, in which case deferred resources are still destroyed.
func (a *Allocator) Destroy() error {
	if a.destroyed.Swap(true) {
		return nil
	}

	a.pacerMutex.Lock()
	defer a.pacerMutex.Unlock()

	a.logger.Debug("Allocator::Destroy")

	err := a.pacer.Shutdown()
	a.destroyArenas()
	return err
}

func (a *Allocator) destroyArenas() {
	for kind := range a.arenas {
		for _, arena := range a.arenas[kind] {
			arena.destroy()
		}
		a.arenas[kind] = nil
	}
}
