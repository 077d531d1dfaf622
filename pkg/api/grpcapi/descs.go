package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified service names on the wire.
const (
	QualityServiceName   = "hephaestus.v1.QualityService"
	CleanupServiceName   = "hephaestus.v1.CleanupService"
	AnalyticsServiceName = "hephaestus.v1.AnalyticsService"
)

// unaryHandler builds a grpc.MethodDesc handler for one typed method.
func unaryHandler[Req any, Resp any](fullMethod string, invoke func(s *Server, ctx context.Context, req *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv.(*Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv.(*Server), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// QualityServiceDesc declares QualityService: unary RunGuardRails and
// CheckDrift plus the server-streaming RunGuardRailsStream.
var QualityServiceDesc = grpc.ServiceDesc{
	ServiceName: QualityServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunGuardRails",
			Handler: unaryHandler("/"+QualityServiceName+"/RunGuardRails",
				func(s *Server, ctx context.Context, req *GuardRailsRequest) (*GuardRailsResponse, error) {
					return s.RunGuardRails(ctx, req)
				}),
		},
		{
			MethodName: "CheckDrift",
			Handler: unaryHandler("/"+QualityServiceName+"/CheckDrift",
				func(s *Server, ctx context.Context, req *DriftRequest) (*DriftResponse, error) {
					return s.CheckDrift(ctx, req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RunGuardRailsStream",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(GuardRailsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Server).RunGuardRailsStream(in, stream)
			},
		},
	},
	Metadata: "api/proto/hephaestus.proto",
}

// CleanupServiceDesc declares CleanupService: unary Clean and
// PreviewCleanup.
var CleanupServiceDesc = grpc.ServiceDesc{
	ServiceName: CleanupServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Clean",
			Handler: unaryHandler("/"+CleanupServiceName+"/Clean",
				func(s *Server, ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
					return s.Clean(ctx, req)
				}),
		},
		{
			MethodName: "PreviewCleanup",
			Handler: unaryHandler("/"+CleanupServiceName+"/PreviewCleanup",
				func(s *Server, ctx context.Context, req *CleanupRequest) (*CleanupResponse, error) {
					return s.PreviewCleanup(ctx, req)
				}),
		},
	},
	Metadata: "api/proto/hephaestus.proto",
}

// AnalyticsServiceDesc declares AnalyticsService: unary GetRankings and
// GetHotspots plus the client-streaming StreamIngest.
var AnalyticsServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalyticsServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetRankings",
			Handler: unaryHandler("/"+AnalyticsServiceName+"/GetRankings",
				func(s *Server, ctx context.Context, req *RankingsRequest) (*RankingsResponse, error) {
					return s.GetRankings(ctx, req)
				}),
		},
		{
			MethodName: "GetHotspots",
			Handler: unaryHandler("/"+AnalyticsServiceName+"/GetHotspots",
				func(s *Server, ctx context.Context, req *HotspotsRequest) (*HotspotsResponse, error) {
					return s.GetHotspots(ctx, req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamIngest",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Server).StreamIngest(stream)
			},
		},
	},
	Metadata: "api/proto/hephaestus.proto",
}
