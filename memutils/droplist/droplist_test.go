package droplist_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/framealloc/memutils/droplist"
)

type recordingAllocators struct {
	log   *[]string
	freed []droplist.Suballocation
}

func (a *recordingAllocators) FreeSuballocation(arena droplist.ArenaRef, offset int) {
	*a.log = append(*a.log, droplist.KindSuballocation.String())
	a.freed = append(a.freed, droplist.Suballocation{Arena: arena, Offset: offset})
}

type recordingResource struct {
	kind droplist.Kind
	log  *[]string
}

func (r recordingResource) Destroy(allocators droplist.Allocators) {
	*r.log = append(*r.log, r.kind.String())
}

func phaseOf(t *testing.T, name string) int {
	for kind := droplist.KindImageView; kind <= droplist.KindSuballocation; kind++ {
		if kind.String() == name {
			return kind.Phase()
		}
	}
	t.Fatalf("unknown kind name %s", name)
	return -1
}

func TestPurgeOrder(t *testing.T) {
	var log []string
	allocators := &recordingAllocators{log: &log}
	list := droplist.New()

	// Push in reverse dependency order so that insertion order cannot explain the result
	list.Push(droplist.KindSuballocation, droplist.Suballocation{Arena: droplist.ArenaRef{Kind: 1, Index: 2}, Offset: 512})
	list.Push(droplist.KindMemory, recordingResource{kind: droplist.KindMemory, log: &log})
	list.Push(droplist.KindBuffer, recordingResource{kind: droplist.KindBuffer, log: &log})
	list.Push(droplist.KindImage, recordingResource{kind: droplist.KindImage, log: &log})
	list.Push(droplist.KindDescriptorSet, recordingResource{kind: droplist.KindDescriptorSet, log: &log})
	list.Push(droplist.KindBufferView, recordingResource{kind: droplist.KindBufferView, log: &log})
	list.Push(droplist.KindImageView, recordingResource{kind: droplist.KindImageView, log: &log})
	require.Equal(t, 7, list.Len())

	list.Purge(allocators)

	require.Len(t, log, 7)
	for i := 1; i < len(log); i++ {
		require.LessOrEqual(t, phaseOf(t, log[i-1]), phaseOf(t, log[i]), "%s destroyed before %s", log[i-1], log[i])
	}

	require.Equal(t, []droplist.Suballocation{{Arena: droplist.ArenaRef{Kind: 1, Index: 2}, Offset: 512}}, allocators.freed)
	require.True(t, list.IsEmpty())
}

func TestPurgeViewsBeforeImagesBeforeMemory(t *testing.T) {
	var log []string
	list := droplist.New()

	for i := 0; i < 3; i++ {
		list.Push(droplist.KindMemory, recordingResource{kind: droplist.KindMemory, log: &log})
		list.Push(droplist.KindImage, recordingResource{kind: droplist.KindImage, log: &log})
		list.Push(droplist.KindImageView, recordingResource{kind: droplist.KindImageView, log: &log})
	}

	list.Purge(&recordingAllocators{log: &log})

	require.Equal(t, []string{
		"ImageView", "ImageView", "ImageView",
		"Image", "Image", "Image",
		"Memory", "Memory", "Memory",
	}, log)
}

func TestPurgeEmptyIsNoop(t *testing.T) {
	list := droplist.New()

	require.NotPanics(t, func() { list.Purge(nil) })
	require.True(t, list.IsEmpty())
}

func TestPurgeTwiceDestroysOnce(t *testing.T) {
	destroyed := 0
	list := droplist.New()
	list.Push(droplist.KindBuffer, droplist.ResourceFunc(func(droplist.Allocators) { destroyed++ }))

	list.Purge(nil)
	list.Purge(nil)

	require.Equal(t, 1, destroyed)
}

func TestListIsReusableAfterPurge(t *testing.T) {
	destroyed := 0
	list := droplist.New()

	for frame := 0; frame < 3; frame++ {
		list.Push(droplist.KindImageView, droplist.ResourceFunc(func(droplist.Allocators) { destroyed++ }))
		list.Push(droplist.KindImageView, droplist.ResourceFunc(func(droplist.Allocators) { destroyed++ }))
		require.Equal(t, 2, list.LenKind(droplist.KindImageView))
		require.Equal(t, 0, list.LenKind(droplist.KindImage))

		list.Purge(nil)
		require.Equal(t, 0, list.LenKind(droplist.KindImageView))
	}

	require.Equal(t, 6, destroyed)
}

func TestPushUnknownKindPanics(t *testing.T) {
	list := droplist.New()

	require.Panics(t, func() {
		list.Push(droplist.Kind(99), droplist.ResourceFunc(func(droplist.Allocators) {}))
	})
	require.Equal(t, "Kind(99)", droplist.Kind(99).String())
}
