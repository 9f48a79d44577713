package grpcserver

import (
	"context"
	"path/filepath"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"merfish3d/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "datastore.db"))
	if err != nil {
		t.Fatalf("expected store to open, got %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil, nil)
}

func TestStructConversion(t *testing.T) {
	in := map[string]any{"tile": 3, "stage": "raw", "zyx": []float64{1.5, 2, 3}}
	s, err := ToStruct(in)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Tile  int        `json:"tile"`
		Stage string     `json:"stage"`
		ZYX   [3]float64 `json:"zyx"`
	}
	if err := FromStruct(s, &out); err != nil {
		t.Fatal(err)
	}
	if out.Tile != 3 || out.Stage != "raw" || out.ZYX != [3]float64{1.5, 2, 3} {
		t.Fatalf("unexpected conversion %+v", out)
	}
	if _, err := ToStruct([]int{1}); err == nil {
		t.Fatalf("expected error for non-object value")
	}
}

func TestGetSpotsValidatesRequest(t *testing.T) {
	s := newTestServer(t)
	empty, _ := structpb.NewStruct(map[string]any{})
	if _, err := s.GetSpots(context.Background(), empty); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument without tile, got %v", err)
	}
	req, _ := structpb.NewStruct(map[string]any{"tile": 0})
	reply, err := s.GetSpots(context.Background(), req)
	if err != nil {
		t.Fatalf("expected empty listing, got %v", err)
	}
	if _, ok := reply.GetFields()["spots"]; !ok {
		t.Fatalf("expected spots field in reply")
	}
}

func TestSubmitWithoutPipelineIsUnavailable(t *testing.T) {
	s := newTestServer(t)
	req, _ := structpb.NewStruct(map[string]any{"type": "decode"})
	if _, err := s.SubmitJob(context.Background(), req); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
