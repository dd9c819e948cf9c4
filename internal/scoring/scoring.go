// Package scoring turns binary per-problem outcomes into weighted exercise
// and grand totals, and remembers point scales between grading passes.
package scoring

import (
	"sort"

	"github.com/pavelanni/photograder/internal/model"
)

// Recompute derives every exercise score and both grand totals from the
// problems and point scales of exercises. The input is never modified.
//
// Each problem weighs the same within its exercise, so an exercise earns
// correct/total of its TotalPossiblePoints. An exercise without problems
// earns nothing but still counts toward the possible total.
func Recompute(exercises []model.Exercise) model.GradingResult {
	out := model.GradingResult{
		Exercises: make([]model.Exercise, len(exercises)),
	}
	for i, ex := range exercises {
		ex = ex.Clone()
		ex.StudentScore = exerciseScore(ex)
		out.TotalScore += ex.StudentScore
		out.TotalPossiblePoints += ex.TotalPossiblePoints
		out.Exercises[i] = ex
	}
	return out
}

func exerciseScore(ex model.Exercise) float64 {
	n := len(ex.Problems)
	if n == 0 {
		return 0
	}
	correct := 0
	for _, p := range ex.Problems {
		if p.StudentScore == 1 {
			correct++
		}
	}
	return float64(correct) / float64(n) * ex.TotalPossiblePoints
}

// SortExercises orders exercises and their problems by ascending id, in place.
func SortExercises(exercises []model.Exercise) {
	sort.SliceStable(exercises, func(i, j int) bool { return exercises[i].ID < exercises[j].ID })
	for _, ex := range exercises {
		sort.SliceStable(ex.Problems, func(i, j int) bool { return ex.Problems[i].ID < ex.Problems[j].ID })
	}
}
