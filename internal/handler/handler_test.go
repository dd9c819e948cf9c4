package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/photograder/internal/i18n"
	"github.com/pavelanni/photograder/internal/model"
	"github.com/pavelanni/photograder/internal/session"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubGrader struct {
	exercises []model.Exercise
	err       error
	release   chan struct{}
}

func (g *stubGrader) Grade(ctx context.Context, _, _ []model.Image) ([]model.Exercise, error) {
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return model.CloneExercises(g.exercises), nil
}

func gradedExercises() []model.Exercise {
	return []model.Exercise{{
		ID:    1,
		Title: "Exercise 1",
		Problems: []model.SubProblem{
			{ID: 0, Text: "2 + 3", Solution: "5", StudentScore: 1, Feedback: "AI read the answer as: 5."},
			{ID: 1, Text: "10 - 3", Solution: "7", StudentScore: 0, Feedback: "AI read the answer as: 1."},
		},
	}}
}

type testEnv struct {
	srv  *httptest.Server
	sess *session.Session
}

func newTestEnv(t *testing.T, g session.Grader, cfg model.GradingConfig) *testEnv {
	t.Helper()
	sess := session.New(g, session.Config{DefaultPoints: 10})
	t.Cleanup(sess.Close)
	h := New(sess, cfg)
	r := chi.NewRouter()
	r.Use(appI18n.Middleware())
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sess: sess}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) upload(t *testing.T, path string, files map[string][]byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(uploadField, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, path, &buf, mw.FormDataContentType())
}

func (e *testEnv) putJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodPut, path, strings.NewReader(body), "application/json")
}

func decodeView(t *testing.T, data []byte) sessionView {
	t.Helper()
	var v sessionView
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func decodeError(t *testing.T, data []byte) errorView {
	t.Helper()
	var body map[string]errorView
	require.NoError(t, json.Unmarshal(data, &body))
	return body["error"]
}

func pngFile(n int) []byte {
	return append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{byte(n)}, 16+n)...)
}

// readyToGrade uploads one reference and one submission image.
func (e *testEnv) readyToGrade(t *testing.T) {
	t.Helper()
	resp, _ := e.upload(t, "/api/reference/images", map[string][]byte{"exam.png": pngFile(1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/advance", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.upload(t, "/api/submission/images", map[string][]byte{"work.png": pngFile(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkflow(t *testing.T) {
	env := newTestEnv(t, &stubGrader{exercises: gradedExercises()}, model.GradingConfig{})

	resp, data := env.do(t, http.MethodGet, "/api/session", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, model.StateCollectingReference, decodeView(t, data).State)

	resp, data = env.upload(t, "/api/reference/images", map[string][]byte{"p1.png": pngFile(1), "p2.png": pngFile(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(data, &up))
	require.Equal(t, 2, up.Added)
	require.Equal(t, "2 images added.", up.Message)
	require.Len(t, up.Session.ReferenceImages, 2)

	resp, _ = env.do(t, http.MethodPost, "/api/advance", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.upload(t, "/api/submission/images", map[string][]byte{"work.png": pngFile(3)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = env.do(t, http.MethodPost, "/api/grading?wait=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeView(t, data)
	require.Equal(t, model.StateReviewing, v.State)
	require.NotNil(t, v.Result)
	require.InDelta(t, 5.0, v.Result.TotalScore, 1e-9)
	require.InDelta(t, 10.0, v.Result.TotalPossiblePoints, 1e-9)

	resp, data = env.putJSON(t, "/api/exercises/1/points", `{"points": 4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeView(t, data)
	require.InDelta(t, 2.0, v.Result.TotalScore, 1e-9)
	require.Equal(t, map[string]float64{"Exercise 1": 4}, v.RememberedScales)

	resp, data = env.putJSON(t, "/api/exercises/1/problems/1", `{"score": 1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.InDelta(t, 4.0, decodeView(t, data).Result.TotalScore, 1e-9)

	resp, data = env.do(t, http.MethodPost, "/api/grade-another", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeView(t, data)
	require.Equal(t, model.StateCollectingSubmission, v.State)
	require.Len(t, v.ReferenceImages, 2)
	require.Empty(t, v.SubmissionImages)

	resp, _ = env.upload(t, "/api/submission/images", map[string][]byte{"work2.png": pngFile(4)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data = env.do(t, http.MethodPost, "/api/grading?wait=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeView(t, data)
	require.InDelta(t, 4.0, v.Result.TotalPossiblePoints, 1e-9)
	require.NotNil(t, v.Notification)
	require.Equal(t, string(session.CodeScaleRemembered), v.Notification.Code)
	require.Equal(t, "Applied the point scales remembered from the previous grading.", v.Notification.Message)

	resp, data = env.do(t, http.MethodPost, "/api/new-exam", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v = decodeView(t, data)
	require.Equal(t, model.StateCollectingReference, v.State)
	require.Empty(t, v.ReferenceImages)
	require.Empty(t, v.RememberedScales)
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{MaxImageBytes: 64})

	t.Run("not an image", func(t *testing.T) {
		resp, data := env.upload(t, "/api/reference/images", map[string][]byte{"notes.txt": []byte("hello, world")})
		require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
		require.Equal(t, codeNotAnImage, decodeError(t, data).Code)
	})

	t.Run("file too large", func(t *testing.T) {
		big := append(append([]byte{}, pngHeader...), make([]byte, 100)...)
		resp, data := env.upload(t, "/api/reference/images", map[string][]byte{"big.png": big})
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		require.Equal(t, codeUploadTooLarge, decodeError(t, data).Code)
	})

	t.Run("no files", func(t *testing.T) {
		resp, data := env.upload(t, "/api/reference/images", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, codeInvalidUpload, decodeError(t, data).Code)
	})

	t.Run("submission accepted while collecting reference", func(t *testing.T) {
		resp, data := env.upload(t, "/api/submission/images", map[string][]byte{"w.png": pngFile(1)})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	})

	resp, data := env.do(t, http.MethodGet, "/api/session", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decodeView(t, data).ReferenceImages)
}

func TestDuplicateUploadIsSkipped(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{})

	resp, _ := env.upload(t, "/api/reference/images", map[string][]byte{"p1.png": pngFile(1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data := env.upload(t, "/api/reference/images", map[string][]byte{"p1.png": pngFile(1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var up uploadResponse
	require.NoError(t, json.Unmarshal(data, &up))
	require.Equal(t, 0, up.Added)
	require.Len(t, up.Session.ReferenceImages, 1)
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, &stubGrader{exercises: gradedExercises()}, model.GradingConfig{})

	resp, data := env.do(t, http.MethodPost, "/api/advance", nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	ev := decodeError(t, data)
	require.Equal(t, string(session.CodeMissingReference), ev.Code)
	require.Equal(t, "Add at least one photo of the original exam first.", ev.Message)

	resp, data = env.do(t, http.MethodPost, "/api/grading", nil, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, string(session.CodeInvalidState), decodeError(t, data).Code)

	resp, _ = env.do(t, http.MethodDelete, "/api/reference/images/3", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/reference/images/abc", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.readyToGrade(t)
	resp, _ = env.do(t, http.MethodPost, "/api/grading?wait=true", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   session.Code
	}{
		{"unknown exercise", "/api/exercises/9/points", `{"points": 5}`, http.StatusNotFound, session.CodeUnknownExercise},
		{"negative points", "/api/exercises/1/points", `{"points": -1}`, http.StatusBadRequest, session.CodeInvalidPoints},
		{"missing points", "/api/exercises/1/points", `{}`, http.StatusBadRequest, session.CodeInvalidPoints},
		{"unknown field", "/api/exercises/1/points", `{"pts": 3}`, http.StatusBadRequest, session.CodeInvalidPoints},
		{"unknown problem", "/api/exercises/1/problems/7", `{"score": 1}`, http.StatusNotFound, session.CodeUnknownProblem},
		{"score of two", "/api/exercises/1/problems/0", `{"score": 2}`, http.StatusBadRequest, session.CodeInvalidScore},
		{"missing score", "/api/exercises/1/problems/0", `{}`, http.StatusBadRequest, session.CodeInvalidScore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.putJSON(t, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, string(tt.code), decodeError(t, data).Code)
		})
	}

	_, data = env.do(t, http.MethodGet, "/api/session", nil, "")
	require.InDelta(t, 5.0, decodeView(t, data).Result.TotalScore, 1e-9)
}

func TestLocalizedError(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{})

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/advance", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "vi")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Hãy thêm ít nhất một ảnh đề bài gốc trước.", decodeError(t, data).Message)
}

func TestGradingFailure(t *testing.T) {
	env := newTestEnv(t, &stubGrader{err: errors.New("upstream unavailable")}, model.GradingConfig{})
	env.readyToGrade(t)

	resp, data := env.do(t, http.MethodPost, "/api/grading?wait=true", nil, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	ev := decodeError(t, data)
	require.Equal(t, string(session.CodeGradingFailed), ev.Code)
	require.Contains(t, ev.Message, "upstream unavailable")

	_, data = env.do(t, http.MethodGet, "/api/session", nil, "")
	v := decodeView(t, data)
	require.Equal(t, model.StateCollectingSubmission, v.State)
	require.Len(t, v.SubmissionImages, 1)
	require.NotNil(t, v.Error)
	require.Equal(t, string(session.CodeGradingFailed), v.Error.Code)
	require.Equal(t, string(session.PendingFailed), v.Grading)
}

func TestGradingTimeout(t *testing.T) {
	g := &stubGrader{exercises: gradedExercises(), release: make(chan struct{})}
	env := newTestEnv(t, g, model.GradingConfig{GradingTimeout: 20 * time.Millisecond})
	env.readyToGrade(t)

	resp, data := env.do(t, http.MethodPost, "/api/grading?wait=true", nil, "")
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, codeGradingTimedOut, decodeError(t, data).Code)
	require.Equal(t, model.StateCollectingSubmission, env.sess.State())
}

func TestAsyncGrading(t *testing.T) {
	g := &stubGrader{exercises: gradedExercises(), release: make(chan struct{})}
	env := newTestEnv(t, g, model.GradingConfig{})
	env.readyToGrade(t)

	resp, data := env.do(t, http.MethodPost, "/api/grading", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	v := decodeView(t, data)
	require.Equal(t, model.StateGrading, v.State)
	require.Equal(t, string(session.PendingRunning), v.Grading)

	resp, _ = env.upload(t, "/api/submission/images", map[string][]byte{"late.png": pngFile(9)})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/grading", nil, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	close(g.release)
	p := env.sess.Pending()
	require.NotNil(t, p)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("grading did not finish")
	}

	resp, data = env.do(t, http.MethodGet, "/api/grading", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]string
	require.NoError(t, json.Unmarshal(data, &status))
	require.Equal(t, string(session.PendingSucceeded), status["status"])

	_, data = env.do(t, http.MethodGet, "/api/session", nil, "")
	require.Equal(t, model.StateReviewing, decodeView(t, data).State)
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{})

	img := pngFile(5)
	_, data := env.upload(t, "/api/reference/images", map[string][]byte{"p.png": img})
	var up uploadResponse
	require.NoError(t, json.Unmarshal(data, &up))
	require.Len(t, up.Session.ReferenceImages, 1)
	id := up.Session.ReferenceImages[0].PreviewID
	require.NotEmpty(t, id)

	resp, body := env.do(t, http.MethodGet, "/api/previews/"+id, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Equal(t, img, body)

	resp, _ = env.do(t, http.MethodDelete, "/api/reference/images/0", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/previews/"+id, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, codePreviewNotFound, decodeError(t, body).Code)
}

func TestClearImages(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{})

	resp, _ := env.upload(t, "/api/reference/images", map[string][]byte{"a.png": pngFile(1), "b.png": pngFile(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data := env.do(t, http.MethodDelete, "/api/reference/images", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decodeView(t, data).ReferenceImages)
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubGrader{}, model.GradingConfig{
		Provider:      "openai",
		Model:         "test-vision",
		PromptVariant: "standard",
		Lang:          "en",
		DefaultPoints: 10,
	})

	resp, data := env.do(t, http.MethodGet, "/api/config", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.Equal(t, "Photo Grader", cfg["title"])
	require.Equal(t, "test-vision", cfg["model"])
	require.EqualValues(t, 20, cfg["max_image_mb"])
}

func TestRequireOperator(t *testing.T) {
	op, err := NewOperator("teacher", "s3cret")
	require.NoError(t, err)

	h := RequireOperator(op)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	h = appI18n.Middleware()(h)

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "teacher", "guess", true, http.StatusUnauthorized},
		{"wrong user", "admin", "s3cret", true, http.StatusUnauthorized},
		{"valid", "teacher", "s3cret", true, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}

	_, err = NewOperator("teacher", "")
	require.Error(t, err)
}
