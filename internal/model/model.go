package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// State represents a phase of the grading workflow.
type State string

const (
	// StateCollectingReference collects photographs of the exam itself.
	StateCollectingReference State = "collecting_reference"
	// StateCollectingSubmission collects photographs of one student's answers.
	StateCollectingSubmission State = "collecting_submission"
	// StateGrading is the transient busy state while the grading service runs.
	StateGrading State = "grading"
	// StateReviewing holds a grading result open for corrections.
	StateReviewing State = "reviewing"
)

// DefaultPoints is the point scale given to an exercise nobody has scaled yet.
const DefaultPoints = 10.0

// SubProblem is a single question inside an exercise, scored 0 or 1.
type SubProblem struct {
	ID           int    `json:"id"`
	Text         string `json:"text"`
	Solution     string `json:"solution"`
	StudentScore int    `json:"student_score"`
	Feedback     string `json:"feedback"`
}

// Exercise is a top-level graded unit carrying its own point scale.
// StudentScore is derived; only scoring.Recompute writes it.
type Exercise struct {
	ID                  int          `json:"id"`
	Title               string       `json:"title"`
	TotalPossiblePoints float64      `json:"total_possible_points"`
	StudentScore        float64      `json:"student_score"`
	Problems            []SubProblem `json:"problems"`
}

// Clone returns a deep copy of the exercise.
func (e Exercise) Clone() Exercise {
	out := e
	if e.Problems != nil {
		out.Problems = make([]SubProblem, len(e.Problems))
		copy(out.Problems, e.Problems)
	}
	return out
}

// GradingResult is the reconciled outcome of one grading pass.
type GradingResult struct {
	Exercises           []Exercise `json:"exercises"`
	TotalScore          float64    `json:"total_score"`
	TotalPossiblePoints float64    `json:"total_possible_points"`
}

// Clone returns a deep copy of the result.
func (r GradingResult) Clone() GradingResult {
	out := r
	out.Exercises = CloneExercises(r.Exercises)
	return out
}

// CloneExercises deep-copies a list of exercises.
func CloneExercises(in []Exercise) []Exercise {
	if in == nil {
		return nil
	}
	out := make([]Exercise, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

// ErrNotImage is returned when uploaded bytes are not a recognised image.
var ErrNotImage = errors.New("file is not an image")

// Image is an uploaded photograph.
type Image struct {
	Name      string
	Size      int64
	MIMEType  string
	Data      []byte
	PreviewID string
}

// NewImage sniffs the content type of data and rejects anything that is not an image.
func NewImage(name string, data []byte) (Image, error) {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, fmt.Errorf("%s (%s): %w", name, mt.String(), ErrNotImage)
	}
	return Image{
		Name:     name,
		Size:     int64(len(data)),
		MIMEType: mt.String(),
		Data:     data,
	}, nil
}

// ImageKey identifies an upload for de-duplication.
type ImageKey struct {
	Name string
	Size int64
}

// Key returns the (name, size) identity of the image.
func (img Image) Key() ImageKey {
	return ImageKey{Name: img.Name, Size: img.Size}
}

// Info strips the binary payload for display.
func (img Image) Info() ImageInfo {
	return ImageInfo{
		Name:      img.Name,
		Size:      img.Size,
		MIMEType:  img.MIMEType,
		PreviewID: img.PreviewID,
	}
}

// ImageInfo describes an uploaded image without its content.
type ImageInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MIMEType  string `json:"mime_type"`
	PreviewID string `json:"preview_id"`
}

// GradingConfig holds runtime grading parameters set via CLI flags.
type GradingConfig struct {
	Provider        string        // openai or gemini
	Model           string        // model name sent to the provider
	PromptVariant   string        // strict, standard, lenient
	Lang            string        // feedback and UI language
	DefaultPoints   float64       // scale for exercises without a remembered one
	GradingTimeout  time.Duration // upper bound for one grading call
	MaxImageBytes   int64         // per-file upload limit
	NotificationTTL time.Duration
}
