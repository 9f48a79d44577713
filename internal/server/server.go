package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"merfish3d/internal/pipeline"
	"merfish3d/internal/storage"
	"merfish3d/internal/watch"
)

// Pipeline is the job surface the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes datastore state and job control over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	hub      *Hub
	watcher  *watch.GroundTruthWatcher
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. When watchDir is set, ground-truth files
// dropped there queue evaluation jobs.
func NewServer(addr string, store *storage.Store, pipe Pipeline, watchDir string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		log:      log,
	}
	if watchDir != "" {
		w, err := watch.New(watchDir, pipe, log)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.relay(ctx)
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.hub.Close()
			return err
		}
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.hub.Close()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve builds and starts a server.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Pipeline, watchDir string, log *slog.Logger) error {
	s, err := NewServer(addr, store, pipe, watchDir, log)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
	r.HandleFunc("/flags", s.handleFlags).Methods("GET")
	r.HandleFunc("/tiles", s.handleTiles).Methods("GET")
	r.HandleFunc("/tiles/{tile:[0-9]+}/spots", s.handleSpots).Methods("GET")
	r.HandleFunc("/tiles/{tile:[0-9]+}/transform", s.handleTransform).Methods("GET")
	r.HandleFunc("/sweep", s.handleSweep).Methods("GET")
}

// jobEvent is the wire form of a pipeline result.
type jobEvent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func eventFor(res pipeline.Result) jobEvent {
	ev := jobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

// relay forwards pipeline results to websocket clients.
func (s *Server) relay(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventFor(res))
			if err != nil {
				s.log.Warn("job event not encodable", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Type      string         `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options"`
}

func validJobType(t pipeline.JobType) bool {
	for _, known := range pipeline.JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	jt := pipeline.JobType(req.Type)
	if !validJobType(jt) {
		http.Error(w, "unknown job type: "+req.Type, http.StatusBadRequest)
		return
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "http"
	id, err := s.pipeline.Submit(pipeline.Job{Type: jt, InputPath: req.InputPath, Output: req.Output, Options: req.Options})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventFor(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.store.Flags()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.TileStatuses()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func tileVar(r *http.Request) int {
	// The route pattern guarantees digits.
	tile, _ := strconv.Atoi(mux.Vars(r)["tile"])
	return tile
}

func (s *Server) handleSpots(w http.ResponseWriter, r *http.Request) {
	stage := r.URL.Query().Get("stage")
	switch stage {
	case "":
		stage = storage.SpotsFiltered
	case storage.SpotsRaw, storage.SpotsFiltered:
	default:
		http.Error(w, "stage must be raw or filtered", http.StatusBadRequest)
		return
	}
	spots, err := s.store.Spots(stage, tileVar(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spots)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	gt, err := s.store.GlobalTransform(tileVar(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gt)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.SweepResults()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
