package model

import "time"

// GradeReport is the top-level JSON structure written by the grade command.
type GradeReport struct {
	GradedAt         time.Time          `json:"graded_at"`
	Provider         string             `json:"provider"`
	Model            string             `json:"model"`
	PromptVariant    string             `json:"prompt_variant"`
	ReferenceImages  []string           `json:"reference_images"`
	SubmissionImages []string           `json:"submission_images"`
	RememberedScales map[string]float64 `json:"remembered_scales"`
	Result           GradingResult      `json:"result"`
}
