// Package agent is the remote client of a merfish3d datastore service.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"merfish3d/internal/experiment"
	"merfish3d/internal/grpcserver"
	"merfish3d/internal/pipeline"
	"merfish3d/internal/storage"
)

// Config locates and authenticates against a server.
type Config struct {
	ServerAddress string        `json:"serverAddress"`
	Timeout       time.Duration `json:"timeout"`

	// Security
	TLSCertPath   string `json:"tlsCertPath"`
	TLSKeyPath    string `json:"tlsKeyPath"`
	CACertPath    string `json:"caCertPath"`
	SkipTLSVerify bool   `json:"skipTlsVerify"`
}

// Agent queries a remote datastore and submits jobs to it.
type Agent struct {
	config *Config
	conn   *grpc.ClientConn
}

// New connects lazily to config.ServerAddress. extra options are appended
// after the defaults.
func New(config *Config, extra ...grpc.DialOption) (*Agent, error) {
	if config.ServerAddress == "" {
		return nil, errors.New("server address is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	a := &Agent{config: config}
	opts, err := a.dialOptions()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(config.ServerAddress, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	a.conn = conn
	return a, nil
}

// Close releases the connection.
func (a *Agent) Close() error {
	return a.conn.Close()
}

func (a *Agent) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if !a.config.SkipTLSVerify {
		tlsConfig, err := a.createTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))

	// Spot listings of large tiles exceed the default limit.
	opts = append(opts,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(100*1024*1024),
			grpc.MaxCallSendMsgSize(100*1024*1024),
		),
	)
	return opts, nil
}

func (a *Agent) createTLSConfig() (*tls.Config, error) {
	config := &tls.Config{}

	if a.config.CACertPath != "" {
		caCert, err := os.ReadFile(a.config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		config.RootCAs = caCertPool
	}

	if a.config.TLSCertPath != "" && a.config.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(a.config.TLSCertPath, a.config.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// call invokes a unary method and decodes the named field of the reply.
func (a *Agent) call(ctx context.Context, method string, req any, field string, out any) error {
	in, err := grpcserver.ToStruct(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	reply := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, grpcserver.FullMethod(method), in, reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var fields map[string]json.RawMessage
	if err := grpcserver.FromStruct(reply, &fields); err != nil {
		return err
	}
	raw, ok := fields[field]
	if !ok {
		return fmt.Errorf("%s: reply has no %q", method, field)
	}
	return json.Unmarshal(raw, out)
}

// Flags returns the remote stage flags.
func (a *Agent) Flags(ctx context.Context) (map[string]bool, error) {
	var flags map[string]bool
	err := a.call(ctx, grpcserver.MethodGetFlags, struct{}{}, "flags", &flags)
	return flags, err
}

// Tiles returns the remote per-tile decode states.
func (a *Agent) Tiles(ctx context.Context) ([]storage.TileStatus, error) {
	var tiles []storage.TileStatus
	err := a.call(ctx, grpcserver.MethodGetTiles, struct{}{}, "tiles", &tiles)
	return tiles, err
}

// Spots returns one tile's spots for stage (raw or filtered).
func (a *Agent) Spots(ctx context.Context, tile int, stage string) ([]experiment.DecodedSpot, error) {
	var spots []experiment.DecodedSpot
	req := map[string]any{"tile": tile, "stage": stage}
	err := a.call(ctx, grpcserver.MethodGetSpots, req, "spots", &spots)
	return spots, err
}

// Jobs returns the latest remote jobs.
func (a *Agent) Jobs(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	var jobs []storage.JobRecord
	err := a.call(ctx, grpcserver.MethodGetJobs, map[string]any{"limit": limit}, "jobs", &jobs)
	return jobs, err
}

// Submit queues a job remotely and returns its id.
func (a *Agent) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	req := map[string]any{
		"type":    string(job.Type),
		"input":   job.InputPath,
		"output":  job.Output,
		"options": job.Options,
	}
	var id string
	err := a.call(ctx, grpcserver.MethodSubmitJob, req, "id", &id)
	return id, err
}

// WatchJobs calls fn for every job the server finishes until ctx ends, the
// stream closes or fn returns an error.
func (a *Agent) WatchJobs(ctx context.Context, fn func(grpcserver.JobEvent) error) error {
	stream, err := a.conn.NewStream(ctx, &grpcserver.ServiceDesc.Streams[0], grpcserver.FullMethod(grpcserver.MethodWatchJobs))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev grpcserver.JobEvent
		if err := grpcserver.FromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
