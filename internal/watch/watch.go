// Package watch turns ground-truth tables dropped into a directory into
// evaluation jobs.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"merfish3d/internal/pipeline"
)

// DefaultSettle is how long a file must stay unchanged before it is
// evaluated.
const DefaultSettle = 500 * time.Millisecond

// Submitter queues jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Event is one ground-truth file that produced a job.
type Event struct {
	Path  string    `json:"path"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
}

// GroundTruthWatcher monitors a directory for ground-truth CSV files.
type GroundTruthWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	submit  Submitter
	log     *slog.Logger
	// Settle debounces bursts of writes to the same file.
	Settle time.Duration
	Events chan Event

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	once    sync.Once
}

// New creates a watcher for dir. Nothing is watched until Start.
func New(dir string, submit Submitter, logger *slog.Logger) (*GroundTruthWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroundTruthWatcher{
		watcher: w,
		dir:     dir,
		submit:  submit,
		log:     logger,
		Settle:  DefaultSettle,
		Events:  make(chan Event, 16),
		pending: map[string]*time.Timer{},
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching; it stops when ctx ends or Stop is called.
func (g *GroundTruthWatcher) Start(ctx context.Context) error {
	if err := g.watcher.Add(g.dir); err != nil {
		return err
	}
	g.log.Info("watching for ground truth", "dir", g.dir)
	go g.processEvents(ctx)
	return nil
}

// Stop ends watching and cancels pending submissions.
func (g *GroundTruthWatcher) Stop() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		g.mu.Lock()
		for p, t := range g.pending {
			t.Stop()
			delete(g.pending, p)
		}
		g.mu.Unlock()
		err = g.watcher.Close()
	})
	return err
}

func (g *GroundTruthWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !IsGroundTruth(event.Name) {
				continue
			}
			g.schedule(event.Name)

		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			g.log.Warn("ground truth watcher error", "error", err)

		case <-ctx.Done():
			g.Stop()
			return
		case <-g.done:
			return
		}
	}
}

// schedule (re)arms the settle timer for path.
func (g *GroundTruthWatcher) schedule(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.pending[path]; ok {
		t.Reset(g.Settle)
		return
	}
	g.pending[path] = time.AfterFunc(g.Settle, func() { g.fire(path) })
}

func (g *GroundTruthWatcher) fire(path string) {
	g.mu.Lock()
	delete(g.pending, path)
	g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}

	ev := Event{Path: path, Time: time.Now()}
	id, err := g.submit.Submit(pipeline.Job{
		Type:      pipeline.JobEvaluate,
		InputPath: path,
		Options:   map[string]any{"source": "watch"},
	})
	ev.JobID = id
	if err != nil {
		ev.Error = err.Error()
		g.log.Warn("evaluation not queued", "path", path, "error", err)
	} else {
		g.log.Info("evaluation queued", "path", path, "job", id)
	}
	select {
	case g.Events <- ev:
	default:
		g.log.Warn("watch event buffer full", "path", path)
	}
}

// IsGroundTruth reports whether path looks like a ground-truth table.
func IsGroundTruth(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".csv")
}
