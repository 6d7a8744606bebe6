package vam

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/pacer"
	"golang.org/x/exp/slog"
)

type fakeArena struct {
	size      int
	destroyed bool
}

func (a *fakeArena) Size() int { return a.size }
func (a *fakeArena) Destroy() { a.destroyed = true }

// fakeFence is a fence the test signals by hand
type fakeFence struct {
	mutex     sync.Mutex
	cond      *sync.Cond
	signaled  bool
	destroyed bool
}

func newFakeFence() *fakeFence {
	f := &fakeFence{}
	f.cond = sync.NewCond(&f.mutex)
	return f
}

func (f *fakeFence) Signal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.signaled = true
	f.cond.Broadcast()
}

func (f *fakeFence) Wait() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for !f.signaled {
		f.cond.Wait()
	}
	return nil
}

func (f *fakeFence) Signaled() (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.signaled, nil
}

func (f *fakeFence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.signaled = false
	return nil
}

func (f *fakeFence) Destroy() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.destroyed = true
}

type fakeBackend struct {
	arenas []*fakeArena
	fences []*fakeFence

	// failArena, if non-negative, is the index of the CreateArena call that fails
	failArena int
	// fenceOverride replaces the fake fences when set
	fenceOverride func(slot int) (pacer.Fence, error)
}

func (b *fakeBackend) CreateArena(info ArenaCreateInfo) (NativeArena, error) {
	if b.failArena == len(b.arenas) {
		return nil, memutils.ErrOutOfDeviceMemory
	}

	arena := &fakeArena{size: info.Size}
	b.arenas = append(b.arenas, arena)
	return arena, nil
}

func (b *fakeBackend) CreateFence(slot int) (pacer.Fence, error) {
	if b.fenceOverride != nil {
		return b.fenceOverride(slot)
	}

	fence := newFakeFence()
	b.fences = append(b.fences, fence)
	return fence, nil
}

type AllocatorSetup struct {
	AllocatorOptions CreateOptions
	FenceOverride    func(slot int) (pacer.Fence, error)
	LogOutput        io.Writer
}

func readyAllocator(t *testing.T, setup AllocatorSetup) (*fakeBackend, *Allocator) {
	backend := &fakeBackend{failArena: -1, fenceOverride: setup.FenceOverride}

	output := setup.LogOutput
	if output == nil {
		output = io.Discard
	}

	logger := slog.New(slog.NewJSONHandler(output, nil))
	allocator, err := New(logger, backend, setup.AllocatorOptions)
	require.NoError(t, err)

	return backend, allocator
}
