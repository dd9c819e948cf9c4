package llm

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pavelanni/photograder/internal/model"
	"github.com/pavelanni/photograder/internal/scoring"
)

var (
	// ErrEmptyResponse is returned when the provider answers with no text.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrMalformedResponse is returned when the response text does not
	// describe a valid list of exercises.
	ErrMalformedResponse = errors.New("malformed model response")
)

//go:embed grading.schema.json
var gradingSchemaJSON string

var (
	gradingSchema = jsonschema.MustCompileString("grading.schema.json", gradingSchemaJSON)
	validate      = validator.New(validator.WithRequiredStructEnabled())
)

type gradingPayload struct {
	Exercises []rawExercise `json:"exercises" validate:"dive"`
}

type rawExercise struct {
	ID       *float64     `json:"id" validate:"required,min=0"`
	Title    string       `json:"title" validate:"required"`
	Problems []rawProblem `json:"problems" validate:"required,dive"`
}

type rawProblem struct {
	ID           *float64 `json:"id" validate:"required,min=0"`
	Text         *string  `json:"text" validate:"required"`
	Solution     *string  `json:"solution" validate:"required"`
	StudentScore *float64 `json:"student_score" validate:"required,min=0,max=1"`
	Feedback     *string  `json:"feedback" validate:"required"`
}

// ParseExercises turns the raw text of a model response into exercises
// sorted by id. Markdown code fences around the JSON are tolerated, and a
// bare top-level array is accepted in place of {"exercises": [...]}. Totals
// are left at zero; they are filled in by scoring.
func ParseExercises(raw string) ([]model.Exercise, error) {
	text := StripCodeFences(raw)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if arr, ok := doc.([]any); ok {
		doc = map[string]any{"exercises": arr}
	}
	if err := gradingSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var payload gradingPayload
	if err := json.Unmarshal(normalized, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	exercises := make([]model.Exercise, 0, len(payload.Exercises))
	for _, re := range payload.Exercises {
		if !isWhole(*re.ID) {
			return nil, fmt.Errorf("%w: exercise id %v is not an integer", ErrMalformedResponse, *re.ID)
		}
		ex := model.Exercise{
			ID:       int(*re.ID),
			Title:    re.Title,
			Problems: make([]model.SubProblem, 0, len(re.Problems)),
		}
		for _, rp := range re.Problems {
			if !isWhole(*rp.ID) {
				return nil, fmt.Errorf("%w: problem id %v is not an integer", ErrMalformedResponse, *rp.ID)
			}
			if !isWhole(*rp.StudentScore) {
				return nil, fmt.Errorf("%w: score %v is not 0 or 1", ErrMalformedResponse, *rp.StudentScore)
			}
			ex.Problems = append(ex.Problems, model.SubProblem{
				ID:           int(*rp.ID),
				Text:         *rp.Text,
				Solution:     *rp.Solution,
				StudentScore: int(*rp.StudentScore),
				Feedback:     *rp.Feedback,
			})
		}
		exercises = append(exercises, ex)
	}
	scoring.SortExercises(exercises)
	return exercises, nil
}

// StripCodeFences removes a surrounding ```json ... ``` block.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isWhole(f float64) bool {
	return !math.IsInf(f, 0) && f == math.Trunc(f)
}
