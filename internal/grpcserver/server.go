// Package grpcserver serves datastore state and job control over gRPC.
// Messages are google.protobuf.Struct values so no generated stubs are
// needed; the service descriptor is declared here.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"merfish3d/internal/pipeline"
	"merfish3d/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "merfish3d.Datastore"

// Method names.
const (
	MethodGetFlags  = "GetFlags"
	MethodGetTiles  = "GetTiles"
	MethodGetSpots  = "GetSpots"
	MethodGetJobs   = "GetJobs"
	MethodSubmitJob = "SubmitJob"
	MethodWatchJobs = "WatchJobs"
)

// FullMethod returns the wire path of a method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// maxMessageSize bounds spot listings of large tiles.
const maxMessageSize = 100 * 1024 * 1024

// Pipeline is the job surface the service drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// DatastoreServer is implemented by Server.
type DatastoreServer interface {
	GetFlags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetTiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetSpots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WatchJobs(in *structpb.Struct, stream grpc.ServerStream) error
}

// JobEvent is a finished job as streamed by WatchJobs.
type JobEvent struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Server answers datastore queries.
type Server struct {
	store     *storage.Store
	pipe      Pipeline
	log       *slog.Logger
	serverID  string
	startTime time.Time
}

// New creates a service over store. pipe may be nil for a read-only
// service.
func New(store *storage.Store, pipe Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:     store,
		pipe:      pipe,
		log:       log,
		serverID:  fmt.Sprintf("merfish3d-%d", time.Now().Unix()),
		startTime: time.Now(),
	}
}

// RegisterWithServer attaches the service to a grpc.Server.
func (s *Server) RegisterWithServer(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Start listens on addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.RegisterWithServer(g)
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "server_id", s.serverID)
	return g.Serve(lis)
}

// ToStruct converts a JSON-encodable value into a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct decodes a Struct into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func statusFor(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func wrap(key string, v any) (*structpb.Struct, error) {
	out, err := ToStruct(map[string]any{key: v})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) GetFlags(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	flags, err := s.store.Flags()
	if err != nil {
		return nil, statusFor(err)
	}
	return wrap("flags", flags)
}

func (s *Server) GetTiles(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tiles, err := s.store.TileStatuses()
	if err != nil {
		return nil, statusFor(err)
	}
	return wrap("tiles", tiles)
}

type spotsRequest struct {
	Tile  *int   `json:"tile"`
	Stage string `json:"stage"`
}

func (s *Server) GetSpots(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req spotsRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Tile == nil {
		return nil, status.Error(codes.InvalidArgument, "tile is required")
	}
	switch req.Stage {
	case "":
		req.Stage = storage.SpotsFiltered
	case storage.SpotsRaw, storage.SpotsFiltered:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown spot stage %q", req.Stage)
	}
	spots, err := s.store.Spots(req.Stage, *req.Tile)
	if err != nil {
		return nil, statusFor(err)
	}
	return wrap("spots", spots)
}

func (s *Server) GetJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	jobs, err := s.store.RecentJobs(req.Limit)
	if err != nil {
		return nil, statusFor(err)
	}
	return wrap("jobs", jobs)
}

type submitRequest struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.pipe == nil {
		return nil, status.Error(codes.Unavailable, "job submission disabled")
	}
	var req submitRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	jt := pipeline.JobType(req.Type)
	known := false
	for _, t := range pipeline.JobTypes {
		known = known || t == jt
	}
	if !known {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type %q", req.Type)
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "grpc"
	id, err := s.pipe.Submit(pipeline.Job{Type: jt, InputPath: req.Input, Output: req.Output, Options: req.Options})
	if err != nil {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	return wrap("id", id)
}

// WatchJobs streams every finished job until the client goes away.
func (s *Server) WatchJobs(_ *structpb.Struct, stream grpc.ServerStream) error {
	if s.pipe == nil {
		return status.Error(codes.Unavailable, "no pipeline attached")
	}
	resCh, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			ev := JobEvent{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			msg, err := ToStruct(ev)
			if err != nil {
				s.log.Warn("job event not encodable", "job", ev.ID, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func unary(method string, call func(DatastoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DatastoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DatastoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchJobsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DatastoreServer).WatchJobs(in, stream)
}

// ServiceDesc describes the datastore service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DatastoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetFlags, DatastoreServer.GetFlags),
		unary(MethodGetTiles, DatastoreServer.GetTiles),
		unary(MethodGetSpots, DatastoreServer.GetSpots),
		unary(MethodGetJobs, DatastoreServer.GetJobs),
		unary(MethodSubmitJob, DatastoreServer.SubmitJob),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchJobs,
			Handler:       watchJobsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "merfish3d/datastore.proto",
}
