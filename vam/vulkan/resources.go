package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/framealloc/memutils/droplist"
	"github.com/vkngwrapper/framealloc/vam"
)

// Resource is a native object that knows which drop list phase it belongs to
type Resource interface {
	droplist.Resource
	Kind() droplist.Kind
}

// DeferDestroy queues a resource for destruction once the allocator's current frame has finished
// on the device
func DeferDestroy(allocator *vam.Allocator, resource Resource) {
	allocator.DeferDestroy(resource.Kind(), resource)
}

// ImageView is a droplist.Resource that destroys an image view
type ImageView struct {
	View      core1_0.ImageView
	Callbacks *driver.AllocationCallbacks
}

func (r ImageView) Kind() droplist.Kind { return droplist.KindImageView }

func (r ImageView) Destroy(droplist.Allocators) {
	r.View.Destroy(r.Callbacks)
}

// BufferView is a droplist.Resource that destroys a buffer view
type BufferView struct {
	View      core1_0.BufferView
	Callbacks *driver.AllocationCallbacks
}

func (r BufferView) Kind() droplist.Kind { return droplist.KindBufferView }

func (r BufferView) Destroy(droplist.Allocators) {
	r.View.Destroy(r.Callbacks)
}

// DescriptorSet is a droplist.Resource that returns descriptor sets to their pool. The pool must
// have been created with DescriptorPoolCreateFreeDescriptorSet.
type DescriptorSet struct {
	Device core1_0.Device
	Sets   []core1_0.DescriptorSet
}

func (r DescriptorSet) Kind() droplist.Kind { return droplist.KindDescriptorSet }

func (r DescriptorSet) Destroy(droplist.Allocators) {
	res, err := r.Device.FreeDescriptorSets(r.Sets)
	if err != nil {
		panic(errors.Wrapf(MapResult(res, err), "failed to free %d descriptor sets", len(r.Sets)))
	}
}

// Image is a droplist.Resource that destroys an image
type Image struct {
	Image     core1_0.Image
	Callbacks *driver.AllocationCallbacks
}

func (r Image) Kind() droplist.Kind { return droplist.KindImage }

func (r Image) Destroy(droplist.Allocators) {
	r.Image.Destroy(r.Callbacks)
}

// Buffer is a droplist.Resource that destroys a buffer
type Buffer struct {
	Buffer    core1_0.Buffer
	Callbacks *driver.AllocationCallbacks
}

func (r Buffer) Kind() droplist.Kind { return droplist.KindBuffer }

func (r Buffer) Destroy(droplist.Allocators) {
	r.Buffer.Destroy(r.Callbacks)
}

// Memory is a droplist.Resource that frees device memory that was not allocated by a Backend
type Memory struct {
	Memory    core1_0.DeviceMemory
	Callbacks *driver.AllocationCallbacks
}

func (r Memory) Kind() droplist.Kind { return droplist.KindMemory }

func (r Memory) Destroy(droplist.Allocators) {
	r.Memory.Free(r.Callbacks)
}

