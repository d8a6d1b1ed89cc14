package vectorsearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "copa.vectorsearch.v1.VectorIndex"
	queryMethod = "/" + serviceName + "/Query"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed query response")
)

// GRPCConfig holds configuration for the remote index client.
type GRPCConfig struct {
	Address          string
	Namespace        string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr, namespace string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		Namespace:        namespace,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCIndex queries a remote vector index. Requests and responses are
// google.protobuf.Struct messages, so no generated stubs are needed.
type GRPCIndex struct {
	conn      *grpc.ClientConn
	health    healthpb.HealthClient
	namespace string
	logger    *slog.Logger
}

// NewGRPCIndex connects to the index and waits until the connection is ready.
func NewGRPCIndex(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector index client for %s: %w", cfg.Address, err)
	}

	// Fail fast on bad index endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("vector index at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to vector index", "address", cfg.Address, "namespace", cfg.Namespace)
	return &GRPCIndex{
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
		namespace: cfg.Namespace,
		logger:    logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GRPCIndex) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ping checks the index's standard gRPC health service.
func (g *GRPCIndex) Ping(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("vector index not serving: %s", resp.GetStatus())
	}
	return nil
}

// Search issues one Query call.
func (g *GRPCIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	req, err := encodeQuery(g.namespace, vector, topK)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, queryMethod, req, resp); err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return decodeMatches(resp)
}

func encodeQuery(namespace string, vector []float32, topK int) (*structpb.Struct, error) {
	values := make([]any, len(vector))
	for i, f := range vector {
		values[i] = float64(f)
	}
	req, err := structpb.NewStruct(map[string]any{
		"namespace":        namespace,
		"vector":           values,
		"top_k":            topK,
		"include_metadata": true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return req, nil
}

func decodeMatches(resp *structpb.Struct) ([]Match, error) {
	field, ok := resp.GetFields()["matches"]
	if !ok {
		return nil, fmt.Errorf("%w: missing matches", errMalformedResponse)
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: matches is not a list", errMalformedResponse)
	}
	out := make([]Match, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		meta := fields["metadata"].GetStructValue().GetFields()
		out = append(out, Match{
			ID:    fields["id"].GetStringValue(),
			Score: fields["score"].GetNumberValue(),
			Label: meta["label"].GetStringValue(),
			Text:  meta["text"].GetStringValue(),
		})
	}
	return out, nil
}
