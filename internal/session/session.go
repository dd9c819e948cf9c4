// Package session drives one operator's grading workflow: collect exam
// photographs, collect a student's photographs, grade them through an
// external service, then review and correct the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pavelanni/photograder/internal/model"
	"github.com/pavelanni/photograder/internal/scoring"
)

// DefaultNotificationTTL is how long an informational notification stays visible.
const DefaultNotificationTTL = 5 * time.Second

// Grader judges submission images against reference images. Exercises come
// back without point scales; problem scores are 0 or 1.
type Grader interface {
	Grade(ctx context.Context, reference, submission []model.Image) ([]model.Exercise, error)
}

// Config holds session parameters.
type Config struct {
	DefaultPoints   float64
	NotificationTTL time.Duration
}

// Option customises a Session.
type Option func(*Session)

// WithClock replaces time.Now, used for notification expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

type notice struct {
	code    Code
	expires time.Time
}

// Session is the single in-memory grading session. All methods are safe to
// call from concurrent request handlers; the Grading state gates re-entry.
type Session struct {
	grader Grader
	cfg    Config
	now    func() time.Time

	mu         sync.Mutex
	state      model.State
	reference  collection
	submission collection
	result     *model.GradingResult
	memory     scoring.PointMemory
	err        error
	notice     notice
	pending    *Pending
	closed     bool
}

// New creates a session in the CollectingReference state.
func New(g Grader, cfg Config, opts ...Option) *Session {
	if cfg.DefaultPoints <= 0 {
		cfg.DefaultPoints = model.DefaultPoints
	}
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = DefaultNotificationTTL
	}
	s := &Session{
		grader:     g,
		cfg:        cfg,
		now:        time.Now,
		state:      model.StateCollectingReference,
		reference:  collection{name: "reference"},
		submission: collection{name: "submission"},
		memory:     scoring.NewPointMemory(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close releases every image preview. A grading run still in flight
// finishes with ErrClosed and leaves no result behind.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reference.clear()
	s.submission.clear()
	s.result = nil
	s.closed = true
}

// fail records err in the error slot and returns it. Callers hold mu.
func (s *Session) fail(err error) error {
	s.err = err
	return err
}

// transition moves to next and clears the error slot. Callers hold mu.
func (s *Session) transition(next model.State) {
	slog.Debug("session transition", "from", s.state, "to", next)
	s.state = next
	s.err = nil
}

func (s *Session) requireState(op string, allowed ...model.State) error {
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return s.fail(validationErrorf(CodeInvalidState, "%s is not allowed while %s", op, s.state))
}

func (s *Session) requireCollecting(op string) error {
	return s.requireState(op, model.StateCollectingReference, model.StateCollectingSubmission)
}

// --- image collections ---

// AddReferenceImages adds exam photographs, skipping any already present by
// name and size. It returns how many were added.
func (s *Session) AddReferenceImages(imgs ...model.Image) (int, error) {
	return s.addImages(&s.reference, imgs)
}

// AddSubmissionImages adds student photographs, skipping duplicates.
func (s *Session) AddSubmissionImages(imgs ...model.Image) (int, error) {
	return s.addImages(&s.submission, imgs)
}

// RemoveReferenceImage removes the exam photograph at index.
func (s *Session) RemoveReferenceImage(index int) error {
	return s.removeImage(&s.reference, index)
}

// RemoveSubmissionImage removes the student photograph at index.
func (s *Session) RemoveSubmissionImage(index int) error {
	return s.removeImage(&s.submission, index)
}

// ClearReferenceImages removes every exam photograph.
func (s *Session) ClearReferenceImages() error {
	return s.clearImages(&s.reference)
}

// ClearSubmissionImages removes every student photograph.
func (s *Session) ClearSubmissionImages() error {
	return s.clearImages(&s.submission)
}

func (s *Session) addImages(c *collection, imgs []model.Image) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCollecting("adding images"); err != nil {
		return 0, err
	}
	n := c.add(imgs)
	slog.Debug("images added", "collection", c.name, "added", n, "skipped", len(imgs)-n, "total", c.len())
	return n, nil
}

func (s *Session) removeImage(c *collection, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCollecting("removing an image"); err != nil {
		return err
	}
	if !c.remove(index) {
		return s.fail(validationErrorf(CodeImageIndex, "%s image %d of %d", c.name, index, c.len()))
	}
	return nil
}

func (s *Session) clearImages(c *collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCollecting("clearing images"); err != nil {
		return err
	}
	c.clear()
	return nil
}

// Preview returns the image holding the given preview handle, if it is still
// held by either collection.
func (s *Session) Preview(id string) (model.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.reference.preview(id); ok {
		return img, true
	}
	return s.submission.preview(id)
}

// --- navigation ---

// AdvanceToSubmission moves on once at least one exam photograph is present.
func (s *Session) AdvanceToSubmission() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("advancing", model.StateCollectingReference); err != nil {
		return err
	}
	if s.reference.len() == 0 {
		return s.fail(ErrMissingReference)
	}
	s.transition(model.StateCollectingSubmission)
	return nil
}

// BackToReference returns to the exam photographs; both collections are kept.
func (s *Session) BackToReference() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("going back", model.StateCollectingSubmission); err != nil {
		return err
	}
	s.transition(model.StateCollectingReference)
	return nil
}

// GradeAnotherSubmission discards the result and the student photographs,
// keeping the exam photographs and the remembered point scales.
func (s *Session) GradeAnotherSubmission() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("grading another submission", model.StateReviewing); err != nil {
		return err
	}
	s.submission.clear()
	s.result = nil
	s.notice = notice{}
	s.transition(model.StateCollectingSubmission)
	return nil
}

// GradeNewExam discards everything, remembered point scales included.
func (s *Session) GradeNewExam() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("starting a new exam", model.StateReviewing); err != nil {
		return err
	}
	s.reference.clear()
	s.submission.clear()
	s.result = nil
	s.notice = notice{}
	s.memory = s.memory.Clear()
	s.transition(model.StateCollectingReference)
	return nil
}

// --- grading ---

// StartGrading enters the Grading state and runs the grader in the
// background under ctx. Guard failures are returned synchronously and leave
// the state unchanged.
func (s *Session) StartGrading(ctx context.Context) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("grading", model.StateCollectingSubmission); err != nil {
		return nil, err
	}
	if s.reference.len() == 0 {
		return nil, s.fail(ErrMissingReference)
	}
	if s.submission.len() == 0 {
		return nil, s.fail(ErrMissingSubmission)
	}

	s.notice = notice{}
	s.transition(model.StateGrading)
	p := newPending()
	s.pending = p
	ref, sub := s.reference.snapshot(), s.submission.snapshot()
	slog.Info("grading started", "reference_images", len(ref), "submission_images", len(sub))

	go s.run(ctx, p, ref, sub)
	return p, nil
}

// Grade starts grading and waits for its outcome.
func (s *Session) Grade(ctx context.Context) (model.GradingResult, error) {
	p, err := s.StartGrading(ctx)
	if err != nil {
		return model.GradingResult{}, err
	}
	return p.Wait(context.WithoutCancel(ctx))
}

// Pending returns the most recent grading run, or nil if none was started.
func (s *Session) Pending() *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) run(ctx context.Context, p *Pending, ref, sub []model.Image) {
	start := time.Now()
	raw, err := s.grader.Grade(ctx, ref, sub)
	if err == nil {
		err = checkExercises(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		p.finish(model.GradingResult{}, &ServiceError{Err: ErrClosed})
		return
	}
	if err != nil {
		var serr *ServiceError
		if !errors.As(err, &serr) {
			serr = &ServiceError{Err: err}
		}
		s.state = model.StateCollectingSubmission
		s.err = serr
		slog.Error("grading failed", "error", err, "elapsed", time.Since(start))
		p.finish(model.GradingResult{}, serr)
		return
	}

	exercises := model.CloneExercises(raw)
	scoring.SortExercises(exercises)
	exercises, mem, remembered := scoring.ApplyScales(exercises, s.memory, s.cfg.DefaultPoints)
	res := scoring.Recompute(exercises)

	s.memory = mem
	s.result = &res
	s.transition(model.StateReviewing)
	if remembered {
		s.notify(CodeScaleRemembered)
	}
	slog.Info("grading finished",
		"exercises", len(res.Exercises),
		"total_score", res.TotalScore,
		"total_possible", res.TotalPossiblePoints,
		"scale_remembered", remembered,
		"elapsed", time.Since(start),
	)
	p.finish(res.Clone(), nil)
}

// checkExercises rejects payloads the reconciliation engine cannot address
// unambiguously: repeated ids or non-binary problem scores.
func checkExercises(exercises []model.Exercise) error {
	seen := make(map[int]bool, len(exercises))
	for _, ex := range exercises {
		if seen[ex.ID] {
			return fmt.Errorf("%w: duplicate exercise id %d", ErrMalformedExercises, ex.ID)
		}
		seen[ex.ID] = true
		problems := make(map[int]bool, len(ex.Problems))
		for _, p := range ex.Problems {
			if problems[p.ID] {
				return fmt.Errorf("%w: exercise %d has duplicate problem id %d", ErrMalformedExercises, ex.ID, p.ID)
			}
			problems[p.ID] = true
			if p.StudentScore != 0 && p.StudentScore != 1 {
				return fmt.Errorf("%w: exercise %d problem %d scored %d", ErrMalformedExercises, ex.ID, p.ID, p.StudentScore)
			}
		}
	}
	return nil
}

// --- review ---

// SetExercisePoints changes an exercise's point scale, remembers it under the
// exercise title and recomputes every score.
func (s *Session) SetExercisePoints(exerciseID int, points float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("setting points", model.StateReviewing); err != nil {
		return err
	}
	if math.IsNaN(points) || math.IsInf(points, 0) || points < 0 {
		return s.fail(validationErrorf(CodeInvalidPoints, "%v", points))
	}
	exercises := model.CloneExercises(s.result.Exercises)
	i := findExercise(exercises, exerciseID)
	if i < 0 {
		return s.fail(validationErrorf(CodeUnknownExercise, "exercise %d", exerciseID))
	}
	exercises[i].TotalPossiblePoints = points
	s.memory = s.memory.Remember(exercises[i].Title, points)
	s.store(exercises)
	return nil
}

// CorrectProblem overrides the judgment of one problem and recomputes every score.
func (s *Session) CorrectProblem(exerciseID, problemID, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("correcting a problem", model.StateReviewing); err != nil {
		return err
	}
	if score != 0 && score != 1 {
		return s.fail(validationErrorf(CodeInvalidScore, "%d", score))
	}
	exercises := model.CloneExercises(s.result.Exercises)
	i := findExercise(exercises, exerciseID)
	if i < 0 {
		return s.fail(validationErrorf(CodeUnknownExercise, "exercise %d", exerciseID))
	}
	j := findProblem(exercises[i].Problems, problemID)
	if j < 0 {
		return s.fail(validationErrorf(CodeUnknownProblem, "exercise %d problem %d", exerciseID, problemID))
	}
	exercises[i].Problems[j].StudentScore = score
	s.store(exercises)
	return nil
}

// store replaces the result with a full recompute of exercises. Callers hold mu.
func (s *Session) store(exercises []model.Exercise) {
	res := scoring.Recompute(exercises)
	s.result = &res
	slog.Debug("scores recomputed", "total_score", res.TotalScore, "total_possible", res.TotalPossiblePoints)
}

func findExercise(exercises []model.Exercise, id int) int {
	for i, ex := range exercises {
		if ex.ID == id {
			return i
		}
	}
	return -1
}

func findProblem(problems []model.SubProblem, id int) int {
	for i, p := range problems {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// --- observables ---

func (s *Session) notify(code Code) {
	s.notice = notice{code: code, expires: s.now().Add(s.cfg.NotificationTTL)}
}

// State returns the current workflow state.
func (s *Session) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns a copy of the current grading result.
func (s *Session) Result() (model.GradingResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return model.GradingResult{}, false
	}
	return s.result.Clone(), true
}

// Err returns the latest error, or nil once it has been cleared.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Notification returns the latest notification code while it has not expired.
func (s *Session) Notification() Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeNotice()
}

func (s *Session) activeNotice() Code {
	if s.notice.code == "" || !s.now().Before(s.notice.expires) {
		return ""
	}
	return s.notice.code
}

// Memory returns the remembered point scales.
func (s *Session) Memory() scoring.PointMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// Snapshot is a consistent read of every observable.
type Snapshot struct {
	State            model.State
	ReferenceImages  []model.ImageInfo
	SubmissionImages []model.ImageInfo
	Result           *model.GradingResult
	Err              error
	Notification     Code
	RememberedScales map[string]float64
}

// Snapshot returns all observables under a single lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:            s.state,
		ReferenceImages:  s.reference.infos(),
		SubmissionImages: s.submission.infos(),
		Err:              s.err,
		Notification:     s.activeNotice(),
		RememberedScales: s.memory.Snapshot(),
	}
	if s.result != nil {
		res := s.result.Clone()
		snap.Result = &res
	}
	return snap
}
