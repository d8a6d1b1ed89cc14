package vectorsearch

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// NamespaceResolver returns the searcher serving namespace.
type NamespaceResolver func(namespace string) Searcher

type indexServer interface {
	resolve(namespace string) Searcher
}

type resolverServer struct {
	resolver NamespaceResolver
}

func (s resolverServer) resolve(namespace string) Searcher { return s.resolver(namespace) }

var indexServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*indexServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "copa/vectorsearch",
}

// Register exposes resolver's indexes on srv together with a health service.
func Register(srv *grpc.Server, resolver NamespaceResolver) {
	srv.RegisterService(&indexServiceDesc, resolverServer{resolver: resolver})
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		return serveQuery(ctx, srv.(indexServer), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	return interceptor(ctx, in, info, handle)
}

func serveQuery(ctx context.Context, srv indexServer, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	namespace := fields["namespace"].GetStringValue()
	topK := int(fields["top_k"].GetNumberValue())
	raw := fields["vector"].GetListValue().GetValues()
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v.GetNumberValue())
	}

	searcher := srv.resolve(namespace)
	if searcher == nil {
		return nil, status.Errorf(codes.NotFound, "unknown namespace %q", namespace)
	}
	matches, err := searcher.Search(ctx, vector, topK)
	if errors.Is(err, errEmptyVector) || errors.Is(err, errBadTopK) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "search: %v", err)
	}
	return encodeMatches(matches)
}

func encodeMatches(matches []Match) (*structpb.Struct, error) {
	list := make([]any, len(matches))
	for i, m := range matches {
		list[i] = map[string]any{
			"id":    m.ID,
			"score": m.Score,
			"metadata": map[string]any{
				"label": m.Label,
				"text":  m.Text,
			},
		}
	}
	resp, err := structpb.NewStruct(map[string]any{"matches": list})
	if err != nil {
		return nil, fmt.Errorf("encode matches: %w", err)
	}
	return resp, nil
}
