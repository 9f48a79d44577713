package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"merfish3d/internal/experiment"
	"merfish3d/internal/grpcserver"
	"merfish3d/internal/pipeline"
	"merfish3d/internal/storage"
)

type stubPipeline struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	results chan pipeline.Result
}

func (s *stubPipeline) Submit(job pipeline.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return "remote-1", nil
}

func (s *stubPipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return s.results, func() {}
}

func startServer(t *testing.T) (*Agent, *storage.Store, *stubPipeline) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "datastore.db"))
	if err != nil {
		t.Fatalf("expected store to open, got %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pipe := &stubPipeline{results: make(chan pipeline.Result, 4)}

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	grpcserver.New(store, pipe, slog.Default()).RegisterWithServer(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	a, err := New(&Config{ServerAddress: "passthrough:///bufnet", SkipTLSVerify: true},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, store, pipe
}

func TestAgentQueriesState(t *testing.T) {
	a, store, _ := startServer(t)
	ctx := context.Background()

	if err := store.SetFlag(storage.FlagDecoded, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SetTileState(0, storage.TilePersisted); err != nil {
		t.Fatal(err)
	}
	spots := []experiment.DecodedSpot{{Tile: 0, GeneID: "GeneA", GlobalZYX: [3]float64{1, 2, 3}, Area: 12}}
	if err := store.ReplaceSpots(storage.SpotsFiltered, 0, spots); err != nil {
		t.Fatal(err)
	}

	flags, err := a.Flags(ctx)
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if !flags[storage.FlagDecoded] || flags[storage.FlagFused] {
		t.Fatalf("unexpected flags %v", flags)
	}

	tiles, err := a.Tiles(ctx)
	if err != nil {
		t.Fatalf("tiles: %v", err)
	}
	if len(tiles) != 1 || tiles[0].State != storage.TilePersisted {
		t.Fatalf("unexpected tiles %+v", tiles)
	}

	got, err := a.Spots(ctx, 0, "")
	if err != nil {
		t.Fatalf("spots: %v", err)
	}
	if len(got) != 1 || got[0].GeneID != "GeneA" || got[0].GlobalZYX != [3]float64{1, 2, 3} || got[0].Area != 12 {
		t.Fatalf("unexpected spots %+v", got)
	}

	_, err = a.Spots(ctx, 0, "bogus")
	if status.Code(errors.Unwrap(err)) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestAgentSubmitsAndWatchesJobs(t *testing.T) {
	a, _, pipe := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := a.Submit(ctx, pipeline.Job{Type: pipeline.JobDecode, Options: map[string]any{"tiles": []int{1, 2}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "remote-1" {
		t.Fatalf("expected remote-1, got %q", id)
	}
	if len(pipe.jobs) != 1 || pipe.jobs[0].Type != pipeline.JobDecode || pipe.jobs[0].Options["source"] != "grpc" {
		t.Fatalf("unexpected submitted job %+v", pipe.jobs)
	}

	if _, err := a.Submit(ctx, pipeline.Job{Type: "bogus"}); status.Code(errors.Unwrap(err)) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for unknown type, got %v", err)
	}

	pipe.results <- pipeline.Result{Job: pipeline.Job{ID: "j9", Type: pipeline.JobFuse}, Meta: map[string]any{"shape": "8x10x12"}}
	var got grpcserver.JobEvent
	errStop := errors.New("stop")
	err = a.WatchJobs(ctx, func(ev grpcserver.JobEvent) error {
		got = ev
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected watch to stop on callback error, got %v", err)
	}
	if got.ID != "j9" || got.Type != "fuse" || got.Meta["shape"] != "8x10x12" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
