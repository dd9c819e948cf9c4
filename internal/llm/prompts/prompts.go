package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Templates holds the built-in prompt templates.
//
//go:embed templates/*.txt
var Templates embed.FS

// Markers delimit the two image groups in a grading request.
const (
	ReferenceBegin  = "--- BEGIN ORIGINAL EXAM IMAGES ---"
	ReferenceEnd    = "--- END ORIGINAL EXAM IMAGES ---"
	SubmissionBegin = "--- BEGIN STUDENT WORK IMAGES ---"
	SubmissionEnd   = "--- END STUDENT WORK IMAGES ---"
)

// PromptVariant selects how ambiguous handwriting is resolved.
type PromptVariant string

const (
	// PromptStrict marks an ambiguous answer wrong.
	PromptStrict PromptVariant = "strict"
	// PromptStandard applies the plausibility check to ambiguous digits.
	PromptStandard PromptVariant = "standard"
	// PromptLenient gives the benefit of the doubt whenever the writing could
	// be read as the correct answer.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	Language string
}

// Load parses the grading templates from fsys. The shared body lives in
// templates/grade.txt; each variant supplies its "handwriting" block in
// templates/handwriting_<variant>.txt. Only the first call has any effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		base, err := fs.ReadFile(fsys, "templates/grade.txt")
		if err != nil {
			loadErr = fmt.Errorf("read prompt file templates/grade.txt: %w", err)
			return
		}
		root, err := template.New("grade").Parse(string(base))
		if err != nil {
			loadErr = fmt.Errorf("parse prompt template templates/grade.txt: %w", err)
			return
		}

		loaded := make(map[PromptVariant]*template.Template, len(validVariants))
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			file := "templates/handwriting_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.Must(root.Clone()).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			loaded[v] = tmpl
		}
		gradeTemplates = loaded
	})
	return loadErr
}

// BuildGradePrompt renders the system prompt for a grading request. lang is a
// BCP 47 tag naming the language the feedback should be written in.
func BuildGradePrompt(variant PromptVariant, lang string) (string, error) {
	if gradeTemplates == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, GradeData{Language: LanguageName(lang)}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LanguageName returns the English name of a language tag, falling back to
// English for tags that cannot be parsed.
func LanguageName(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return "English"
	}
	name := display.English.Languages().Name(tag)
	if name == "" {
		return "English"
	}
	return name
}
