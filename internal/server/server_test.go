package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"merfish3d/internal/experiment"
	"merfish3d/internal/pipeline"
	"merfish3d/internal/storage"
)

type stubPipeline struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	results chan pipeline.Result
	full    bool
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{results: make(chan pipeline.Result, 4)}
}

func (s *stubPipeline) Submit(job pipeline.Job) (string, error) {
	if s.full {
		return "", errors.New("job queue is full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return "job-" + string(job.Type), nil
}

func (s *stubPipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return s.results, func() {}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *stubPipeline) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "datastore.db"))
	if err != nil {
		t.Fatalf("expected store to open, got %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pipe := newStubPipeline()
	s, err := NewServer(":0", store, pipe, "", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return s, store, pipe
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSubmitJob(t *testing.T) {
	s, _, pipe := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "POST", "/jobs", `{"type":"evaluate","input":"/data/gt.csv","options":{"radius":0.5}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["id"] != "job-evaluate" {
		t.Fatalf("unexpected id %q", resp["id"])
	}
	if len(pipe.jobs) != 1 || pipe.jobs[0].InputPath != "/data/gt.csv" || pipe.jobs[0].Options["radius"] != 0.5 {
		t.Fatalf("unexpected submitted job %+v", pipe.jobs)
	}

	if rec := do(t, h, "POST", "/jobs", `{"type":"timelapse"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/jobs", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
	pipe.full = true
	if rec := do(t, h, "POST", "/jobs", `{"type":"decode"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", rec.Code)
	}
}

func TestStateEndpoints(t *testing.T) {
	s, store, _ := newTestServer(t)
	h := s.Handler()
	if err := store.SetFlag(storage.FlagFused, true); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTileIncomplete(1, "decode: boom"); err != nil {
		t.Fatal(err)
	}
	spots := []experiment.DecodedSpot{{Tile: 1, GeneID: "GeneA"}, {Tile: 1, GeneID: "GeneB"}}
	if err := store.ReplaceSpots(storage.SpotsFiltered, 1, spots); err != nil {
		t.Fatal(err)
	}

	var flags map[string]bool
	rec := do(t, h, "GET", "/flags", "")
	json.Unmarshal(rec.Body.Bytes(), &flags)
	if !flags[storage.FlagFused] {
		t.Fatalf("expected Fused flag, got %v", flags)
	}

	var tiles []storage.TileStatus
	rec = do(t, h, "GET", "/tiles", "")
	json.Unmarshal(rec.Body.Bytes(), &tiles)
	if len(tiles) != 1 || !tiles[0].Incomplete || tiles[0].Reason != "decode: boom" {
		t.Fatalf("unexpected tiles %+v", tiles)
	}

	var got []experiment.DecodedSpot
	rec = do(t, h, "GET", "/tiles/1/spots", "")
	json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 2 {
		t.Fatalf("expected 2 spots, got %d", len(got))
	}
	if rec := do(t, h, "GET", "/tiles/1/spots?stage=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad stage, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/tiles/7/transform", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing transform, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", rec.Code)
	}
}

func TestWebSocketRelaysResults(t *testing.T) {
	s, _, pipe := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run()
	defer s.hub.Close()
	go s.relay(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Give the hub time to register the client.
	time.Sleep(200 * time.Millisecond)

	pipe.results <- pipeline.Result{
		Job:   pipeline.Job{ID: "j1", Type: pipeline.JobDecode},
		Error: errors.New("Calibrated missing"),
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev jobEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "j1" || ev.Type != "decode" || ev.Error != "Calibrated missing" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
