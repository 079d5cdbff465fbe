package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/unweave/unweave/internal/device"
	"github.com/unweave/unweave/internal/httpapi"
	"github.com/unweave/unweave/internal/model"

	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	mx      sync.Mutex
	uploads map[string]string
	jobs    map[string]model.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		uploads: map[string]string{},
		jobs: map[string]model.Job{
			"done":    {ID: "done", Status: model.StatusComplete, Progress: 100, Message: "Separation complete!", Stems: map[string]string{"Vocals": "/stems/done/vocals.mp3"}},
			"running": {ID: "running", Status: model.StatusProcessing, Progress: 42, Message: "Separating stems... 42%"},
		},
	}
}

func (f *fakeJobs) Submit(_ context.Context, name string, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	f.uploads[name] = string(data)
	return "new-job", nil
}

func (f *fakeJobs) Status(id string) (model.Job, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) List() map[string]model.Summary {
	f.mx.Lock()
	defer f.mx.Unlock()
	ret := make(map[string]model.Summary, len(f.jobs))
	for id, j := range f.jobs {
		ret[id] = j.Summary()
	}
	return ret
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	j, ok := f.jobs[id]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	case j.Status.Terminal():
		return fmt.Errorf("%w: %s", model.ErrInvalidState, id)
	}
	j.Status = model.StatusCancelled
	f.jobs[id] = j
	return nil
}

func newRouter(t *testing.T) (*gin.Engine, *fakeJobs, string) {
	t.Helper()
	out := t.TempDir()
	vram := 10.0
	jobs := newFakeJobs()
	r := httpapi.NewRouter(httpapi.Dependencies{
		Jobs:           jobs,
		Device:         device.Info{Type: device.CUDA, Name: "RTX", VRAMGB: &vram},
		MaxUploadBytes: 1024,
		OutputDir:      out,
		StemsURL:       "/stems",
	})
	return r, jobs, out
}

func do(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func upload(t *testing.T, field, name string, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("a"), size))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/separate", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(t)
	w, body := do(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{
		"status":        "ok",
		"device_type":   "cuda",
		"device_name":   "RTX",
		"gpu_available": true,
		"cloud_mode":    false,
		"vram_gb":       10.0,
	}, body)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSeparate(t *testing.T) {
	t.Parallel()
	r, jobs, _ := newRouter(t)

	var testCases = []struct {
		scenario string
		given    *http.Request
		status   int
		then     string
	}{
		{"ok", upload(t, "file", "track.wav", 512), http.StatusOK, "Separation started"},
		{"too large", upload(t, "file", "big.wav", 2048), http.StatusRequestEntityTooLarge, "File too large (0.0 MB). Max: 0 MB"},
		{"no file", upload(t, "other", "track.wav", 10), http.StatusBadRequest, "No file uploaded"},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/separate", strings.NewReader("x")), http.StatusBadRequest, "No file uploaded"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			w, body := do(r, tt.given)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if w.Code == http.StatusOK {
				require.Equal(t, "new-job", body["job_id"])
				require.Equal(t, "processing", body["status"])
				require.Equal(t, tt.then, body["message"])
				return
			}
			require.Equal(t, tt.then, body["error"])
		})
	}

	jobs.mx.Lock()
	defer jobs.mx.Unlock()
	require.Len(t, jobs.uploads, 1)
	require.Len(t, jobs.uploads["track.wav"], 512)
}

func TestStatusAndJobs(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(t)

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/status/done", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "complete", body["status"])
	require.Equal(t, map[string]any{"Vocals": "/stems/done/vocals.mp3"}, body["stems"])
	require.Nil(t, body["eta_seconds"])

	w, body = do(r, httptest.NewRequest(http.MethodGet, "/status/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "Job not found", body["error"])

	w, body = do(r, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{
		"done":    map[string]any{"status": "complete", "progress": 100.0, "message": "Separation complete!"},
		"running": map[string]any{"status": "processing", "progress": 42.0, "message": "Separating stems... 42%"},
	}, body["jobs"])
}

func TestCancel(t *testing.T) {
	t.Parallel()
	r, _, _ := newRouter(t)

	var testCases = []struct {
		scenario string
		given    string
		then     int
	}{
		{"running", "running", http.StatusOK},
		{"twice", "running", http.StatusConflict},
		{"finished", "done", http.StatusConflict},
		{"unknown", "missing", http.StatusNotFound},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			w, body := do(r, httptest.NewRequest(http.MethodPost, "/cancel/"+tt.given, nil))
			require.Equal(t, tt.then, w.Code)
			if tt.then == http.StatusOK {
				require.Equal(t, "cancelled", body["status"])
				require.Equal(t, tt.given, body["job_id"])
			}
		})
	}
}

func TestStems(t *testing.T) {
	t.Parallel()
	r, _, out := newRouter(t)
	require.NoError(t, os.MkdirAll(filepath.Join(out, "job"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "job", "vocals.mp3"), []byte("ID3"), 0o644))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stems/job/vocals.mp3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ID3", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/separate", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
}
