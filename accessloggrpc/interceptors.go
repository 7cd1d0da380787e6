// Copyright 2025-2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accessloggrpc

import (
	"context"
	"io"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/pjscruggs/accesslog"
)

const protocolGRPC = "grpc"

// StatusOK is the status reported for RPCs that complete without error.
const StatusOK = http.StatusOK

// UnaryServerInterceptor runs the inbound chain for unary RPCs.
func UnaryServerInterceptor(opts ...Option) grpc.UnaryServerInterceptor {
	cfg := applyOptions(opts)
	stages := mustAssemble(accesslog.InboundStages, map[accesslog.Stage]grpc.UnaryServerInterceptor{
		accesslog.StageInvocationContext: unaryServerContextStage(cfg),
		accesslog.StageAccessLog:         unaryServerAccessLogStage(cfg),
	})

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		next := handler
		for i := len(stages) - 1; i >= 0; i-- {
			stage, inner := stages[i], next
			next = func(ctx context.Context, req any) (any, error) {
				return stage(ctx, req, info, inner)
			}
		}
		return next(ctx, req)
	}
}

// StreamServerInterceptor runs the inbound chain for streaming RPCs.
func StreamServerInterceptor(opts ...Option) grpc.StreamServerInterceptor {
	cfg := applyOptions(opts)
	stages := mustAssemble(accesslog.InboundStages, map[accesslog.Stage]grpc.StreamServerInterceptor{
		accesslog.StageInvocationContext: streamServerContextStage(cfg),
		accesslog.StageAccessLog:         streamServerAccessLogStage(cfg),
	})

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		next := handler
		for i := len(stages) - 1; i >= 0; i-- {
			stage, inner := stages[i], next
			next = func(srv any, ss grpc.ServerStream) error {
				return stage(srv, ss, info, inner)
			}
		}
		return next(srv, ss)
	}
}

// UnaryClientInterceptor runs the outbound chain for unary RPCs and forwards
// the invocation context in outgoing metadata.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	cfg := applyOptions(opts)
	stages := mustAssemble(accesslog.OutboundStages, map[accesslog.Stage]grpc.UnaryClientInterceptor{
		accesslog.StageInvocationContext: func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			return invoker(outboundContext(ctx), method, req, reply, cc, callOpts...)
		},
		accesslog.StageServiceName: func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			stampServiceName(ctx, cfg.resolvedServiceName())
			return invoker(ctx, method, req, reply, cc, callOpts...)
		},
		accesslog.StageAccessLog: unaryClientAccessLogStage(cfg),
	})

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		next := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, callOpts ...grpc.CallOption) error {
			return invoker(injectOutgoing(ctx, cfg), method, req, reply, cc, callOpts...)
		}
		for i := len(stages) - 1; i >= 0; i-- {
			stage, inner := stages[i], next
			next = func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, callOpts ...grpc.CallOption) error {
				return stage(ctx, method, req, reply, cc, inner, callOpts...)
			}
		}
		return next(ctx, method, req, reply, cc, callOpts...)
	}
}

// StreamClientInterceptor runs the outbound chain for streaming RPCs. The
// finish event is emitted when the stream ends: RecvMsg returning io.EOF or an
// error, or SendMsg or CloseSend failing.
func StreamClientInterceptor(opts ...Option) grpc.StreamClientInterceptor {
	cfg := applyOptions(opts)
	stages := mustAssemble(accesslog.OutboundStages, map[accesslog.Stage]grpc.StreamClientInterceptor{
		accesslog.StageInvocationContext: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(outboundContext(ctx), desc, cc, method, callOpts...)
		},
		accesslog.StageServiceName: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
			stampServiceName(ctx, cfg.resolvedServiceName())
			return streamer(ctx, desc, cc, method, callOpts...)
		},
		accesslog.StageAccessLog: streamClientAccessLogStage(cfg),
	})

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		next := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(injectOutgoing(ctx, cfg), desc, cc, method, callOpts...)
		}
		for i := len(stages) - 1; i >= 0; i-- {
			stage, inner := stages[i], next
			next = func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
				return stage(ctx, desc, cc, method, inner, callOpts...)
			}
		}
		return next(ctx, desc, cc, method, callOpts...)
	}
}

// ServerOptions returns grpc.ServerOptions that install otelgrpc StatsHandlers
// and the server interceptors.
func ServerOptions(opts ...Option) []grpc.ServerOption {
	cfg := applyOptions(opts)
	// Share the resolved recorder so both interceptors use the same gate and sink.
	opts = append(opts, WithRecorder(cfg.recorder))

	var serverOpts []grpc.ServerOption
	if cfg.enableOTel {
		handlerOpts := statsHandlerOptions(cfg)
		if cfg.publicEndpoint {
			handlerOpts = append(handlerOpts, otelgrpc.WithPublicEndpoint())
		}
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler(handlerOpts...)))
	}

	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(opts...)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(opts...)),
	)
	return serverOpts
}

// DialOptions returns grpc.DialOptions that install otelgrpc StatsHandlers and
// the client interceptors.
func DialOptions(opts ...Option) []grpc.DialOption {
	cfg := applyOptions(opts)
	opts = append(opts, WithRecorder(cfg.recorder))

	var dialOpts []grpc.DialOption
	if cfg.enableOTel {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler(statsHandlerOptions(cfg)...)))
	}

	dialOpts = append(dialOpts,
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(opts...)),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor(opts...)),
	)
	return dialOpts
}

// statsHandlerOptions configures otelgrpc instrumentation based on the provided configuration.
func statsHandlerOptions(cfg *config) []otelgrpc.Option {
	var opts []otelgrpc.Option
	if cfg.tracerProvider != nil {
		opts = append(opts, otelgrpc.WithTracerProvider(cfg.tracerProvider))
	}
	if p := propagator(cfg); p != nil && cfg.propagatorsSet {
		opts = append(opts, otelgrpc.WithPropagators(p))
	}
	for _, filter := range cfg.filters {
		opts = append(opts, otelgrpc.WithFilter(filter))
	}
	return opts
}

// mustAssemble orders stage interceptors, panicking on a stage the order does
// not declare.
func mustAssemble[M any](order []accesslog.Stage, stages map[accesslog.Stage]M) []M {
	ordered, err := accesslog.Assemble(order, stages)
	if err != nil {
		panic("accessloggrpc: " + err.Error())
	}
	return ordered
}

// inboundContext attaches the caller's invocation context decoded from
// incoming metadata, or a fresh one.
func inboundContext(ctx context.Context, cfg *config) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = ensureServerSpanContext(ctx, md, cfg)

	var ic *accesslog.InvocationContext
	if cfg.trustInvocation {
		if decoded, err := accesslog.ExtractInvocation(metadataCarrier{md}); err == nil {
			ic = decoded
		}
	}
	if ic == nil {
		ic = accesslog.NewInvocationContext()
	}
	ic.EnsureTraceID(ctx)
	return accesslog.ContextWithInvocation(ctx, ic)
}

// outboundContext gives each outgoing RPC its own invocation context seeded
// from the caller's.
func outboundContext(ctx context.Context) context.Context {
	ic := accesslog.NewInvocationContext()
	if parent, ok := accesslog.InvocationFromContext(ctx); ok {
		ic.Merge(parent.Fields())
	}
	ic.EnsureTraceID(ctx)
	return accesslog.ContextWithInvocation(ctx, ic)
}

// stampServiceName records the local microservice name on the outgoing
// invocation context.
func stampServiceName(ctx context.Context, name string) {
	if name == "" {
		return
	}
	if ic, ok := accesslog.InvocationFromContext(ctx); ok {
		ic.Set(accesslog.ContextMicroserviceName, name)
	}
}

// inboundDescriptor snapshots an incoming RPC.
func inboundDescriptor(ctx context.Context, ic *accesslog.InvocationContext, kind, fullMethod string) accesslog.Descriptor {
	source := ic.Microservice()
	if source == "" {
		source, _ = peerAddress(ctx)
	}
	return accesslog.Descriptor{
		Direction: accesslog.Inbound,
		Protocol:  protocolGRPC,
		Method:    kind,
		Path:      fullMethod,
		Source:    source,
	}
}

// outboundDescriptor snapshots an outgoing RPC.
func outboundDescriptor(cc *grpc.ClientConn, kind, method string) accesslog.Descriptor {
	desc := accesslog.Descriptor{
		Direction: accesslog.Outbound,
		Protocol:  protocolGRPC,
		Method:    kind,
		Path:      method,
	}
	if cc != nil {
		desc.Target = cc.Target()
	}
	return desc
}

func unaryServerContextStage(cfg *config) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(inboundContext(ctx, cfg), req)
	}
}

func unaryServerAccessLogStage(cfg *config) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		rec := cfg.recorder
		if !rec.Enabled() {
			return handler(ctx, req)
		}

		ctx, ic := accesslog.InboundInvocation(ctx, cfg.strictContext)
		ctx, inv := rec.Start(ctx, inboundDescriptor(ctx, ic, "unary", info.FullMethod))

		var resp any
		_, err := inv.Do(ctx, func(ctx context.Context) (int, error) {
			var herr error
			resp, herr = handler(ctx, req)
			return StatusOK, herr
		})
		return resp, err
	}
}

func streamServerContextStage(cfg *config) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := inboundContext(ss.Context(), cfg)
		return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
	}
}

func streamServerAccessLogStage(cfg *config) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		rec := cfg.recorder
		if !rec.Enabled() {
			return handler(srv, ss)
		}

		ctx, ic := accesslog.InboundInvocation(ss.Context(), cfg.strictContext)
		ctx, inv := rec.Start(ctx, inboundDescriptor(ctx, ic, streamKind(info), info.FullMethod))

		_, err := inv.Do(ctx, func(ctx context.Context) (int, error) {
			return StatusOK, handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
		})
		return err
	}
}

func unaryClientAccessLogStage(cfg *config) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		rec := cfg.recorder
		if !rec.Enabled() {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}

		ctx, inv := rec.Start(ctx, outboundDescriptor(cc, "unary", method))
		_, err := inv.Do(ctx, func(ctx context.Context) (int, error) {
			return StatusOK, invoker(ctx, method, req, reply, cc, callOpts...)
		})
		return err
	}
}

func streamClientAccessLogStage(cfg *config) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		rec := cfg.recorder
		if !rec.Enabled() {
			return streamer(ctx, desc, cc, method, callOpts...)
		}

		ctx, inv := rec.Start(ctx, outboundDescriptor(cc, clientStreamKind(desc), method))

		var cs grpc.ClientStream
		ended := accesslog.NewCompletion()
		out := inv.Defer(ctx, func(ctx context.Context) *accesslog.Completion {
			var err error
			cs, err = streamer(ctx, desc, cc, method, callOpts...)
			if err != nil {
				return accesslog.Rejected(err)
			}
			return ended
		})
		if cs == nil {
			_, err := out.Result()
			return nil, err
		}
		return &clientStream{ClientStream: cs, ended: ended, serverStreams: desc != nil && desc.ServerStreams}, nil
	}
}

// peerAddress extracts the remote host portion of the peer address in the context.
func peerAddress(ctx context.Context) (string, bool) {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr == nil || pr.Addr == nil {
		return "", false
	}
	addr := pr.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host, true
	}
	return addr, true
}

// streamKind converts gRPC stream information into a canonical kind string.
func streamKind(info *grpc.StreamServerInfo) string {
	switch {
	case info.IsClientStream && info.IsServerStream:
		return "bidi_stream"
	case info.IsClientStream:
		return "client_stream"
	case info.IsServerStream:
		return "server_stream"
	default:
		return "unary"
	}
}

// clientStreamKind converts a StreamDesc into the kind string used for logging.
func clientStreamKind(desc *grpc.StreamDesc) string {
	switch {
	case desc == nil:
		return "unary"
	case desc.ClientStreams && desc.ServerStreams:
		return "bidi_stream"
	case desc.ClientStreams:
		return "client_stream"
	case desc.ServerStreams:
		return "server_stream"
	default:
		return "unary"
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the request context for the wrapped server stream.
func (s *serverStream) Context() context.Context {
	return s.ctx
}

type clientStream struct {
	grpc.ClientStream
	ended         *accesslog.Completion
	serverStreams bool
}

// SendMsg settles the stream on failure. io.EOF is left to RecvMsg, which
// reports the real status.
func (c *clientStream) SendMsg(m any) error {
	err := c.ClientStream.SendMsg(m)
	if err != nil && err != io.EOF {
		c.ended.Reject(err)
	}
	return err
}

// RecvMsg settles the stream when it ends. Without server streaming the
// single response completes the RPC.
func (c *clientStream) RecvMsg(m any) error {
	err := c.ClientStream.RecvMsg(m)
	switch {
	case err == nil:
		if !c.serverStreams {
			c.ended.Resolve(StatusOK)
		}
	case err == io.EOF:
		c.ended.Resolve(StatusOK)
	default:
		c.ended.Reject(err)
	}
	return err
}

// CloseSend settles the stream on failure.
func (c *clientStream) CloseSend() error {
	err := c.ClientStream.CloseSend()
	if err != nil {
		c.ended.Reject(err)
	}
	return err
}
