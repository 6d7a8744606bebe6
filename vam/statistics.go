package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/framealloc/memutils"
)

// AllocatorStatistics is the allocator's usage, summed over every arena and broken down by kind
type AllocatorStatistics struct {
	Total memutils.DetailedStatistics
	Kinds [ArenaKindCount]memutils.DetailedStatistics
}

// CalculateStatistics populates stats with the current usage of every arena. Ring and transient
// arenas report the span written since their last reset as one allocation.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.checkLive()

	stats.Total.Clear()
	for kind := range a.arenas {
		kindStats := &stats.Kinds[kind]
		kindStats.Clear()

		for _, arena := range a.arenas[kind] {
			arena.addDetailedStatistics(kindStats)
		}

		stats.Total.AddDetailedStatistics(kindStats)
	}
}

// ArenaStatistics retrieves lightweight statistics for every arena of one kind, in creation order
func (a *Allocator) ArenaStatistics(kind ArenaKind) ([]memutils.Statistics, error) {
	a.checkLive()

	if !kind.valid() {
		return nil, errors.Newf("unknown arena kind %d", int(kind))
	}

	arenas := a.arenas[kind]
	stats := make([]memutils.Statistics, len(arenas))
	for i, arena := range arenas {
		arena.addStatistics(&stats[i])
	}

	return stats, nil
}

// BuildStatsString produces a JSON document describing the allocator's usage. If detailedMap is
// true, each arena's suballocator state is included.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	rootObj.Name("FramesInFlight").Int(a.pacer.FrameCount())
	rootObj.Name("FrameNumber").Int(int(a.pacer.FrameNumber()))

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	kindsObj := rootObj.Name("Kinds").Object()
	for kind := range a.arenas {
		if len(a.arenas[kind]) == 0 {
			continue
		}

		kindObj := kindsObj.Name(ArenaKind(kind).String()).Object()
		kindObj.Name("Policy").String(a.arenas[kind][0].info.Policy.String())

		statsObj := kindObj.Name("Stats").Object()
		stats.Kinds[kind].PrintJson(&statsObj)
		statsObj.End()

		if detailedMap {
			arenasArray := kindObj.Name("Arenas").Array()
			for _, arena := range a.arenas[kind] {
				arenaObj := arenasArray.Object()
				arena.printDetailedMap(arenaObj)
				arenaObj.End()
			}
			arenasArray.End()
		}

		kindObj.End()
	}
	kindsObj.End()

	rootObj.End()

	return string(writer.Bytes())
}
