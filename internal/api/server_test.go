package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"render-scheduler/internal/models"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/ratelimit"
	"render-scheduler/internal/service"
	"render-scheduler/internal/store"
)

type testEnv struct {
	srv    *Server
	mem    *store.Memory
	client *redis.Client
}

func newTestEnv(t *testing.T, jwtSecret string) testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mem := store.NewMemory()
	q := queue.NewRedisQueue(client, time.Minute)
	svc := service.New(mem, q, queue.NewRevoker(client), nil, service.Config{DefaultMaxRetries: 2}, nil)
	return testEnv{srv: New(svc, jwtSecret, nil), mem: mem, client: client}
}

func (e testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func ownerHeader(owner string) http.Header {
	return http.Header{OwnerHeader: []string{owner}}
}

func submitBody() map[string]any {
	return map[string]any{
		"local_path":   "/projects/shot.ma",
		"engine":       "maya",
		"priority":     8,
		"total_frames": 3,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitAndFetchJob(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/jobs", submitBody(), ownerHeader("studio-a"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	if id == "" || created["owner"] != "studio-a" || created["lane"] != queue.LaneHigh || created["status"] != "pending" {
		t.Fatalf("unexpected job %v", created)
	}

	rec = env.do(t, http.MethodGet, "/jobs/"+id, nil, ownerHeader("studio-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/jobs/"+id+"/status", nil, ownerHeader("studio-a"))
	status := decode[statusResponse](t, rec)
	if status.TotalFrames != 3 || status.Status != models.JobPending || status.Progress != 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	// other owners cannot see the job
	rec = env.do(t, http.MethodGet, "/jobs/"+id, nil, ownerHeader("studio-b"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign job, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/jobs?status=pending", nil, ownerHeader("studio-b"))
	list := decode[struct {
		Jobs []map[string]any `json:"jobs"`
	}](t, rec)
	if len(list.Jobs) != 0 {
		t.Fatalf("listing must be scoped to the owner, got %v", list.Jobs)
	}
	rec = env.do(t, http.MethodGet, "/jobs?status=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter: expected 400, got %d", rec.Code)
	}
}

func TestSubmitValidationError(t *testing.T) {
	env := newTestEnv(t, "")
	body := submitBody()
	body["engine"] = "houdini"
	rec := env.do(t, http.MethodPost, "/jobs", body, ownerHeader("studio-a"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	fields, _ := resp["fields"].(map[string]any)
	if fields["engine"] != "oneof" {
		t.Fatalf("expected engine field error, got %v", resp)
	}

	rec = env.do(t, http.MethodPost, "/jobs", map[string]any{"bogus": true}, ownerHeader("studio-a"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/jobs", submitBody(), ownerHeader("studio-a"))
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil, ownerHeader("studio-a"))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]any](t, rec)["status"]; got != "cancelled" {
		t.Fatalf("expected cancelled, got %v", got)
	}
	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil, ownerHeader("studio-a"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/jobs/"+id+"/frames?status=failed&limit=2", nil, ownerHeader("studio-a"))
	frames := decode[struct {
		Frames []frameResponse `json:"frames"`
		Total  int             `json:"total"`
	}](t, rec)
	if frames.Total != 3 || len(frames.Frames) != 2 || frames.Frames[0].FrameNumber != 1 {
		t.Fatalf("unexpected frame page %+v", frames)
	}
	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/frames/1/retry", nil, ownerHeader("studio-a"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry on cancelled job: expected 409, got %d", rec.Code)
	}
}

func TestFrameArtifactAndThumbnail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")
	job, err := env.mem.CreateJob(ctx, store.CreateJobParams{
		Owner: "studio-a", Source: models.Source{LocalPath: "/p.ma"}, Engine: models.EngineMaya,
		Lane: queue.LaneDefault, TotalFrames: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	artifact := filepath.Join(t.TempDir(), "frame_0001.png")
	if err := os.WriteFile(artifact, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = env.mem.StartJob(ctx, job.ID, "h")
	_ = env.mem.MarkFrameRendering(ctx, job.ID, 1)
	_ = env.mem.CompleteFrame(ctx, job.ID, 1, models.FrameResult{OutputPath: artifact})
	frame, _ := env.mem.GetFrame(ctx, job.ID, 1)

	path := fmt.Sprintf("/frames/%d/artifact", frame.ID)
	rec := env.do(t, http.MethodGet, path, nil, ownerHeader("studio-a"))
	if rec.Code != http.StatusOK || rec.Body.String() != "png-bytes" {
		t.Fatalf("artifact: got %d %q", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, path, nil, ownerHeader("studio-b"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign artifact: expected 404, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/frames/%d/thumbnail", frame.ID), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing thumbnail: expected 404, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/frames/abc/artifact", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestBearerTokenOwner(t *testing.T) {
	env := newTestEnv(t, "test-secret")

	rec := env.do(t, http.MethodGet, "/jobs", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	_, token, err := env.srv.TokenAuth().Encode(jwt.MapClaims{
		"sub": "studio-jwt",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	// the header identity is ignored once tokens are on
	header.Set(OwnerHeader, "spoofed")

	rec = env.do(t, http.MethodPost, "/jobs", submitBody(), header)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if owner := decode[map[string]any](t, rec)["owner"]; owner != "studio-jwt" {
		t.Fatalf("owner must come from the token subject, got %v", owner)
	}
}

func TestRateLimitedSubmit(t *testing.T) {
	env := newTestEnv(t, "")
	q := queue.NewRedisQueue(env.client, time.Minute)
	limiter := ratelimit.NewOwnerLimiter(env.client, 1, 0.001)
	srv := New(service.New(env.mem, q, nil, limiter, service.Config{}, nil), "", nil)
	env.srv = srv

	if rec := env.do(t, http.MethodPost, "/jobs", submitBody(), ownerHeader("studio-a")); rec.Code != http.StatusCreated {
		t.Fatalf("first submit: expected 201, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/jobs", submitBody(), ownerHeader("studio-a"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
