package scoring

import (
	"maps"

	"github.com/pavelanni/photograder/internal/model"
)

// PointMemory maps an exercise title to the point scale last used for it.
// Values are immutable: Remember and Clear return a new memory.
//
// Titles are only unique within one exam, so two exercises sharing a title
// share a scale; the last write wins.
type PointMemory struct {
	points map[string]float64
}

// NewPointMemory returns an empty memory.
func NewPointMemory() PointMemory {
	return PointMemory{}
}

// Lookup returns the remembered scale for title.
func (m PointMemory) Lookup(title string) (float64, bool) {
	p, ok := m.points[title]
	return p, ok
}

// Remember returns a copy of m with title mapped to points.
func (m PointMemory) Remember(title string, points float64) PointMemory {
	next := make(map[string]float64, len(m.points)+1)
	maps.Copy(next, m.points)
	next[title] = points
	return PointMemory{points: next}
}

// Clear returns an empty memory.
func (m PointMemory) Clear() PointMemory {
	return PointMemory{}
}

// Len reports the number of remembered titles.
func (m PointMemory) Len() int {
	return len(m.points)
}

// Snapshot returns a copy of the title to scale mapping.
func (m PointMemory) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(m.points))
	maps.Copy(out, m.points)
	return out
}

// ApplyScales assigns a point scale to every freshly graded exercise: the
// remembered one when the title is known, defaultPoints otherwise. It
// returns the scaled exercises, the memory updated with every title, and
// whether any remembered scale was used.
func ApplyScales(raw []model.Exercise, mem PointMemory, defaultPoints float64) ([]model.Exercise, PointMemory, bool) {
	out := model.CloneExercises(raw)
	remembered := false
	for i := range out {
		points := defaultPoints
		if p, ok := mem.Lookup(out[i].Title); ok {
			points = p
			remembered = true
		}
		out[i].TotalPossiblePoints = points
		out[i].StudentScore = 0
	}
	for _, ex := range out {
		mem = mem.Remember(ex.Title, ex.TotalPossiblePoints)
	}
	return out, mem, remembered
}
