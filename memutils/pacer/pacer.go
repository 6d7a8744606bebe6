// Package pacer rotates a fixed number of frame slots, each pairing a drop list with the device's
// completion signal for the work submitted in that slot. A slot is only handed out again once the
// device has finished its previous frame, which bounds how far the CPU may run ahead of the device
// and guarantees that a resource pushed into a slot's drop list is no longer in use when the list
// is purged.
package pacer

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/framealloc/memutils"
	"github.com/vkngwrapper/framealloc/memutils/droplist"
	"golang.org/x/exp/slog"
)

// SlotState is the lifecycle position of one frame slot
type SlotState int

const (
	// SlotRetired means the device has finished the slot's last frame and its drop list is purged
	SlotRetired SlotState = iota
	// SlotRecording means the slot is the current frame and is receiving drop list pushes
	SlotRecording
	// SlotInFlight means the slot's frame has been submitted and the device may still be executing it
	SlotInFlight
)

var slotStateMapping = map[SlotState]string{
	SlotRetired:   "Retired",
	SlotRecording: "Recording",
	SlotInFlight:  "InFlight",
}

func (s SlotState) String() string {
	return slotStateMapping[s]
}

// Token identifies one frame between BeginFrame and EndFrame
type Token struct {
	slot  int
	frame uint64
	fence Fence
}

// Slot is the index of the frame slot the frame was recorded into
func (t Token) Slot() int { return t.slot }

// Frame is the frame's sequence number, starting at 0
func (t Token) Frame() uint64 { return t.frame }

// Fence is the completion signal the frame's submission must signal
func (t Token) Fence() Fence { return t.fence }

// CreateOptions configures a FramePacer
type CreateOptions struct {
	// FrameCount is the number of frames that may be in flight at once. It must be at least 1.
	FrameCount int
	// Fences creates the completion signal for each slot
	Fences FenceFactory
	// Allocators is passed to every drop list purge
	Allocators droplist.Allocators
	// OnRetire is optional. It is called after a slot's drop list has been purged, so that per-slot
	// transient space can be reclaimed.
	OnRetire func(slot int)
	// Logger is optional, slog.Default() is used if it is nil
	Logger *slog.Logger
}

type frameSlot struct {
	state    SlotState
	frame    uint64
	fence    Fence
	dropList *droplist.DropList
}

// FramePacer owns the frame slots and decides when each may be reused.
//
// FramePacer is not safe for concurrent use: BeginFrame, EndFrame, Push and Shutdown belong to the
// goroutine that drives the frame loop.
type FramePacer struct {
	logger     *slog.Logger
	allocators droplist.Allocators
	onRetire   func(slot int)

	slots     []frameSlot
	nextFrame uint64
	current   int

	deviceLost error
	shutdown   bool
}

// New creates a pacer with every slot retired. It fails if FrameCount is less than 1 or a fence
// cannot be created, in which case any fences created so far are destroyed.
func New(options CreateOptions) (*FramePacer, error) {
	if options.FrameCount < 1 {
		return nil, errors.Newf("frame count must be at least 1, got %d", options.FrameCount)
	}

	if options.Fences == nil {
		return nil, errors.New("a fence factory is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pacer := &FramePacer{
		logger:     logger,
		allocators: options.Allocators,
		onRetire:   options.OnRetire,
		slots:      make([]frameSlot, options.FrameCount),
	}

	for i := range pacer.slots {
		fence, err := options.Fences(i)
		if err != nil {
			for j := 0; j < i; j++ {
				pacer.slots[j].fence.Destroy()
			}
			return nil, errors.Wrapf(err, "failed to create the fence for frame slot %d", i)
		}

		pacer.slots[i] = frameSlot{
			state:    SlotRetired,
			fence:    fence,
			dropList: droplist.New(),
		}
	}

	return pacer, nil
}

// FrameCount returns the number of frame slots
func (p *FramePacer) FrameCount() int {
	return len(p.slots)
}

// FrameNumber returns the sequence number the next BeginFrame will use
func (p *FramePacer) FrameNumber() uint64 {
	return p.nextFrame
}

// SlotState returns the state of one slot
func (p *FramePacer) SlotState(slot int) SlotState {
	return p.slots[slot].state
}

// DropList returns one slot's drop list
func (p *FramePacer) DropList(slot int) *droplist.DropList {
	return p.slots[slot].dropList
}

// CurrentSlot returns the slot that receives pushes: the slot of the most recent BeginFrame, or
// slot 0 before the first frame
func (p *FramePacer) CurrentSlot() int {
	return p.current
}

// Push queues a resource for destruction once the current slot's frame has finished on the device.
// Between EndFrame and the next BeginFrame the most recently submitted slot receives the push. Nothing
// recorded after the release can reference the resource, and frames are assumed to complete in
// submission order, as they do when every frame is submitted to a single queue. With several queues
// the caller must not release a resource an earlier frame on another queue still uses.
func (p *FramePacer) Push(kind droplist.Kind, resource droplist.Resource) {
	if p.shutdown {
		panic("push to a frame pacer that has been shut down")
	}

	p.slots[p.current].dropList.Push(kind, resource)
}

func (p *FramePacer) retire(slot int) {
	s := &p.slots[slot]
	s.dropList.Purge(p.allocators)
	s.state = SlotRetired

	if p.onRetire != nil {
		p.onRetire(slot)
	}
}

func (p *FramePacer) waitSlot(slot int) error {
	s := &p.slots[slot]

	err := s.fence.Wait()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed waiting on frame %d in slot %d", s.frame, slot), memutils.ErrDeviceLost)
	}

	return nil
}

// BeginFrame acquires the next slot in rotation for a new frame. If the slot's previous frame is
// still in flight, BeginFrame blocks until its fence is signaled, then purges the slot's drop list
// before returning. This is the only blocking call in the pacer.
//
// A failed wait is fatal: the returned error wraps memutils.ErrDeviceLost, and every later call
// returns the same error.
func (p *FramePacer) BeginFrame() (Token, error) {
	if p.shutdown {
		return Token{}, errors.New("frame pacer has been shut down")
	}

	if p.deviceLost != nil {
		return Token{}, p.deviceLost
	}

	slot := int(p.nextFrame % uint64(len(p.slots)))
	s := &p.slots[slot]

	switch s.state {
	case SlotRecording:
		return Token{}, errors.Newf("frame %d in slot %d was begun but never ended", s.frame, slot)
	case SlotInFlight:
		err := p.waitSlot(slot)
		if err != nil {
			p.deviceLost = err
			p.logger.LogAttrs(context.Background(), slog.LevelError, "device lost while waiting for frame slot",
				slog.Int("slot", slot), slog.Uint64("frame", s.frame), slog.String("error", err.Error()))
			return Token{}, err
		}

		p.retire(slot)
	case SlotRetired:
		// A slot that never ran, or was retired early, may still hold pushes made before the first
		// frame or after the last retirement
		p.retire(slot)
	}

	err := s.fence.Reset()
	if err != nil {
		return Token{}, errors.Wrapf(err, "failed to reset the fence for slot %d", slot)
	}

	s.state = SlotRecording
	s.frame = p.nextFrame
	p.current = slot
	p.nextFrame++

	p.logger.Debug("FramePacer::BeginFrame", slog.Int("slot", slot), slog.Uint64("frame", s.frame))

	return Token{slot: slot, frame: s.frame, fence: s.fence}, nil
}

// EndFrame marks the token's frame as submitted. The work submitted for the frame must signal
// token.Fence().
func (p *FramePacer) EndFrame(token Token) error {
	if token.slot < 0 || token.slot >= len(p.slots) {
		return errors.Newf("frame token refers to slot %d, but there are %d slots", token.slot, len(p.slots))
	}

	s := &p.slots[token.slot]
	if s.state != SlotRecording || s.frame != token.frame {
		return errors.Newf("frame %d in slot %d is not recording (slot is %s with frame %d)",
			token.frame, token.slot, s.state, s.frame)
	}

	s.state = SlotInFlight

	p.logger.Debug("FramePacer::EndFrame", slog.Int("slot", token.slot), slog.Uint64("frame", token.frame))
	return nil
}

// RetireCompleted polls every in-flight slot without blocking and retires those whose fence has
// already been signaled, returning how many were retired. It lets memory come back before the slot
// comes up in rotation.
func (p *FramePacer) RetireCompleted() (int, error) {
	if p.deviceLost != nil {
		return 0, p.deviceLost
	}

	retired := 0
	for slot := range p.slots {
		s := &p.slots[slot]
		if s.state != SlotInFlight {
			continue
		}

		signaled, err := s.fence.Signaled()
		if err != nil {
			p.deviceLost = errors.Mark(errors.Wrapf(err, "failed polling frame %d in slot %d", s.frame, slot), memutils.ErrDeviceLost)
			return retired, p.deviceLost
		}

		if signaled {
			p.retire(slot)
			retired++
		}
	}

	return retired, nil
}

// Shutdown waits for every in-flight slot, then purges every drop list in slot order and destroys
// the fences. Drop lists are purged even if a wait fails, since leaking the resources is worse than
// destroying them on a lost device. Calling Shutdown again does nothing.
func (p *FramePacer) Shutdown() error {
	if p.shutdown {
		return nil
	}

	p.logger.Debug("FramePacer::Shutdown")

	var waitErr error
	if p.deviceLost == nil {
		for slot := range p.slots {
			if p.slots[slot].state != SlotInFlight {
				continue
			}

			err := p.waitSlot(slot)
			if err != nil {
				waitErr = errors.CombineErrors(waitErr, err)
			}
		}
	}

	for slot := range p.slots {
		p.retire(slot)
	}

	for slot := range p.slots {
		p.slots[slot].fence.Destroy()
	}

	p.shutdown = true
	return waitErr
}
