package scoring

import (
	"testing"

	"github.com/pavelanni/photograder/internal/model"
)

func TestPointMemory(t *testing.T) {
	m := NewPointMemory()
	if _, ok := m.Lookup("Exercise 1"); ok {
		t.Fatal("empty memory should not contain any title")
	}

	m2 := m.Remember("Exercise 1", 5)
	if _, ok := m.Lookup("Exercise 1"); ok {
		t.Error("Remember modified the original memory")
	}
	if p, ok := m2.Lookup("Exercise 1"); !ok || p != 5 {
		t.Errorf("Lookup = (%v, %v), want (5, true)", p, ok)
	}

	m3 := m2.Remember("Exercise 1", 7)
	if p, _ := m3.Lookup("Exercise 1"); p != 7 {
		t.Errorf("Remember should replace the prior entry, got %v", p)
	}
	if p, _ := m2.Lookup("Exercise 1"); p != 5 {
		t.Errorf("replacing changed the older memory, got %v", p)
	}

	cleared := m3.Clear()
	if cleared.Len() != 0 {
		t.Errorf("Clear().Len() = %d, want 0", cleared.Len())
	}
	if _, ok := cleared.Lookup("Exercise 1"); ok {
		t.Error("cleared memory still returns a scale")
	}
}

func TestPointMemorySnapshotIsCopy(t *testing.T) {
	m := NewPointMemory().Remember("A", 1)
	snap := m.Snapshot()
	snap["A"] = 100
	if p, _ := m.Lookup("A"); p != 1 {
		t.Errorf("snapshot aliases memory, Lookup = %v", p)
	}
}

func TestApplyScales(t *testing.T) {
	raw := []model.Exercise{
		{ID: 0, Title: "Exercise 1", StudentScore: 3, Problems: problems(1)},
		{ID: 1, Title: "Exercise 2", Problems: problems(0)},
	}

	t.Run("defaults", func(t *testing.T) {
		out, mem, remembered := ApplyScales(raw, NewPointMemory(), 10)
		if remembered {
			t.Error("remembered flag set with empty memory")
		}
		for _, ex := range out {
			if ex.TotalPossiblePoints != 10 {
				t.Errorf("%s scale = %v, want 10", ex.Title, ex.TotalPossiblePoints)
			}
			if ex.StudentScore != 0 {
				t.Errorf("%s score should be reset, got %v", ex.Title, ex.StudentScore)
			}
		}
		if mem.Len() != 2 {
			t.Errorf("memory should hold every title, Len = %d", mem.Len())
		}
	})

	t.Run("remembered", func(t *testing.T) {
		mem := NewPointMemory().Remember("Exercise 1", 5)
		out, next, remembered := ApplyScales(raw, mem, 10)
		if !remembered {
			t.Error("remembered flag not set")
		}
		if out[0].TotalPossiblePoints != 5 {
			t.Errorf("Exercise 1 scale = %v, want 5", out[0].TotalPossiblePoints)
		}
		if out[1].TotalPossiblePoints != 10 {
			t.Errorf("Exercise 2 scale = %v, want 10", out[1].TotalPossiblePoints)
		}
		if p, _ := next.Lookup("Exercise 2"); p != 10 {
			t.Errorf("Exercise 2 not written to memory, got %v", p)
		}
		if mem.Len() != 1 {
			t.Error("input memory was modified")
		}
	})

	t.Run("input untouched", func(t *testing.T) {
		ApplyScales(raw, NewPointMemory(), 10)
		if raw[0].TotalPossiblePoints != 0 || raw[0].StudentScore != 3 {
			t.Errorf("raw exercises modified: %+v", raw[0])
		}
	})
}
