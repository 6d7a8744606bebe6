package droplist

import "fmt"

// Kind identifies the native resource category of a drop list entry. Kinds are declared in the
// order their destruction phases run.
type Kind int

const (
	KindImageView Kind = iota
	KindBufferView
	KindDescriptorSet
	KindImage
	KindBuffer
	KindMemory
	KindSuballocation

	kindCount = iota
)

var kindMapping = map[Kind]string{
	KindImageView:     "ImageView",
	KindBufferView:    "BufferView",
	KindDescriptorSet: "DescriptorSet",
	KindImage:         "Image",
	KindBuffer:        "Buffer",
	KindMemory:        "Memory",
	KindSuballocation: "Suballocation",
}

func (k Kind) String() string {
	str, ok := kindMapping[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return str
}

// Phase returns the destruction phase the kind belongs to. All entries of phase n are destroyed
// before any entry of phase n+1.
//
// Phase 0 holds objects derived from others (views, descriptor sets), phase 1 holds the images and
// buffers they reference, and phase 2 releases the memory backing those.
func (k Kind) Phase() int {
	switch k {
	case KindImageView, KindBufferView, KindDescriptorSet:
		return 0
	case KindImage, KindBuffer:
		return 1
	case KindMemory, KindSuballocation:
		return 2
	}

	panic(fmt.Sprintf("unknown drop list kind %d", int(k)))
}

func (k Kind) valid() bool {
	return k >= 0 && k < kindCount
}
