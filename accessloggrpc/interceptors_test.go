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
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/pjscruggs/accesslog"
)

// eventSink collects events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []accesslog.Event
}

// Log implements accesslog.Sink.
func (s *eventSink) Log(_ context.Context, ev accesslog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// snapshot returns a copy of the recorded events.
func (s *eventSink) snapshot() []accesslog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]accesslog.Event(nil), s.events...)
}

// newTestRecorder returns a recorder naming failures by status code.
func newTestRecorder(opts ...accesslog.Option) (*accesslog.Recorder, *eventSink) {
	sink := &eventSink{}
	opts = append([]accesslog.Option{accesslog.WithErrorKind(ErrorKind)}, opts...)
	return accesslog.New(sink, opts...), sink
}

// TestUnaryServerInterceptorLogsCall verifies the paired inbound events.
func TestUnaryServerInterceptorLogsCall(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := UnaryServerInterceptor(WithRecorder(rec), WithPropagators(propagation.TraceContext{}))

	md := metadata.New(map[string]string{
		accesslog.InvocationContextHeader: `{"x-cse-src-microservice":"orders"}`,
		"traceparent":                     "00-105445aa7843bc8bf206b12000100000-09158d8185d3c3af-01",
	})
	ctx := metadata.NewIncomingContext(context.Background(), md)
	ctx = peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.10"), Port: 443}})

	var seen *accesslog.InvocationContext
	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/shop.Orders/Get"}, func(ctx context.Context, req any) (any, error) {
		seen, _ = accesslog.InvocationFromContext(ctx)
		return "resp", nil
	})
	if err != nil || resp != "resp" {
		t.Fatalf("interceptor = (%v, %v)", resp, err)
	}
	if seen == nil || seen.TraceID() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("handler invocation context = %v", seen)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	want := accesslog.Descriptor{
		Direction: accesslog.Inbound,
		Protocol:  "grpc",
		Method:    "unary",
		Path:      "/shop.Orders/Get",
		Source:    "orders",
	}
	if events[0].Descriptor != want {
		t.Fatalf("descriptor = %+v, want %+v", events[0].Descriptor, want)
	}
	if events[1].Status != StatusOK || events[1].Label != accesslog.LabelFinished {
		t.Fatalf("finish event = %+v", events[1])
	}
}

// TestUnaryServerInterceptorFailure labels failures by status code and
// returns the handler error unchanged.
func TestUnaryServerInterceptorFailure(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := UnaryServerInterceptor(WithRecorder(rec))

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.10"), Port: 443}})
	boom := status.Error(codes.NotFound, "missing")
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/shop.Orders/Get"}, func(context.Context, any) (any, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("error = %v, want identical %v", err, boom)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Descriptor.Source != "198.51.100.10" {
		t.Fatalf("source = %q", events[0].Descriptor.Source)
	}
	if events[1].Label != "request finished(NotFound)" || events[1].Status != accesslog.StatusError {
		t.Fatalf("finish event = %+v", events[1])
	}
}

// TestUnaryServerInterceptorDisabled keeps the context stage when silent.
func TestUnaryServerInterceptorDisabled(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder(accesslog.WithGate(accesslog.NewSwitch(false)))
	interceptor := UnaryServerInterceptor(WithRecorder(rec))

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/s/m"}, func(ctx context.Context, _ any) (any, error) {
		if _, ok := accesslog.InvocationFromContext(ctx); !ok {
			t.Errorf("invocation context missing")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
}

// TestStreamServerInterceptorLogsCall covers the streaming server path.
func TestStreamServerInterceptorLogsCall(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := StreamServerInterceptor(WithRecorder(rec))

	ss := &fakeServerStream{ctx: context.Background()}
	info := &grpc.StreamServerInfo{FullMethod: "/shop.Orders/Watch", IsServerStream: true}
	boom := status.Error(codes.Unavailable, "gone")
	err := interceptor(nil, ss, info, func(_ any, stream grpc.ServerStream) error {
		if _, ok := accesslog.InvocationFromContext(stream.Context()); !ok {
			t.Errorf("invocation context missing from stream")
		}
		return boom
	})
	if err != boom {
		t.Fatalf("error = %v, want %v", err, boom)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Descriptor.Method != "server_stream" {
		t.Fatalf("kind = %q", events[0].Descriptor.Method)
	}
	if events[1].Label != "request finished(Unavailable)" {
		t.Fatalf("finish label = %q", events[1].Label)
	}
}

// TestUnaryClientInterceptorPropagates checks metadata and events.
func TestUnaryClientInterceptorPropagates(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := UnaryClientInterceptor(WithRecorder(rec), WithServiceName("checkout"))

	parent := accesslog.NewInvocationContext()
	parent.Set(accesslog.ContextMicroserviceName, "orders")
	parent.Set(accesslog.ContextTraceID, "trace-9")
	ctx := accesslog.ContextWithInvocation(context.Background(), parent)

	var sent metadata.MD
	err := interceptor(ctx, "/shop.Payments/Charge", "req", nil, nil, func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		sent, _ = metadata.FromOutgoingContext(ctx)
		if got := len(sink.snapshot()); got != 1 {
			t.Errorf("events before invoke = %d, want 1", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor returned %v", err)
	}

	values := sent.Get(accesslog.InvocationContextHeader)
	if len(values) != 1 {
		t.Fatalf("invocation metadata = %v", values)
	}
	ic, err := accesslog.DecodeInvocationContext(values[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ic.Microservice() != "checkout" || ic.TraceID() != "trace-9" {
		t.Fatalf("sent context = %v", ic.Fields())
	}
	if parent.Microservice() != "orders" {
		t.Fatalf("parent context modified")
	}

	events := sink.snapshot()
	if len(events) != 2 || events[1].Status != StatusOK {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Descriptor.Direction != accesslog.Outbound || events[0].Descriptor.Path != "/shop.Payments/Charge" {
		t.Fatalf("descriptor = %+v", events[0].Descriptor)
	}
}

// TestUnaryClientInterceptorError returns invoker errors unchanged.
func TestUnaryClientInterceptorError(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := UnaryClientInterceptor(WithRecorder(rec), WithServiceName(""))

	boom := status.Error(codes.DeadlineExceeded, "slow")
	err := interceptor(context.Background(), "/s/m", nil, nil, nil, func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		return boom
	})
	if err != boom {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	events := sink.snapshot()
	if len(events) != 2 || events[1].Label != "request finished(DeadlineExceeded)" {
		t.Fatalf("events = %+v", events)
	}
}

// TestStreamClientInterceptorDeferredFinish emits finish only when the
// stream ends.
func TestStreamClientInterceptorDeferredFinish(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		desc      *grpc.StreamDesc
		stream    *fakeClientStream
		drive     func(grpc.ClientStream)
		wantLabel string
		wantCode  int
	}{
		{
			name:   "server stream eof",
			desc:   &grpc.StreamDesc{ServerStreams: true},
			stream: &fakeClientStream{responses: 2},
			drive: func(cs grpc.ClientStream) {
				for cs.RecvMsg(nil) == nil {
				}
			},
			wantLabel: accesslog.LabelFinished,
			wantCode:  StatusOK,
		},
		{
			name:   "client stream single response",
			desc:   &grpc.StreamDesc{ClientStreams: true},
			stream: &fakeClientStream{responses: 1},
			drive: func(cs grpc.ClientStream) {
				_ = cs.SendMsg(nil)
				_ = cs.CloseSend()
				_ = cs.RecvMsg(nil)
			},
			wantLabel: accesslog.LabelFinished,
			wantCode:  StatusOK,
		},
		{
			name:   "recv error",
			desc:   &grpc.StreamDesc{ServerStreams: true},
			stream: &fakeClientStream{recvErr: status.Error(codes.Aborted, "x")},
			drive: func(cs grpc.ClientStream) {
				_ = cs.RecvMsg(nil)
			},
			wantLabel: "request finished(Aborted)",
			wantCode:  accesslog.StatusError,
		},
		{
			name:   "send error",
			desc:   &grpc.StreamDesc{ClientStreams: true, ServerStreams: true},
			stream: &fakeClientStream{sendErr: status.Error(codes.Internal, "x")},
			drive: func(cs grpc.ClientStream) {
				_ = cs.SendMsg(nil)
				_ = cs.RecvMsg(nil)
			},
			wantLabel: "request finished(Internal)",
			wantCode:  accesslog.StatusError,
		},
		{
			name:   "close error",
			desc:   &grpc.StreamDesc{ClientStreams: true},
			stream: &fakeClientStream{closeErr: errors.New("closed")},
			drive: func(cs grpc.ClientStream) {
				_ = cs.CloseSend()
			},
			wantLabel: "request finished(errors.errorString)",
			wantCode:  accesslog.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec, sink := newTestRecorder()
			interceptor := StreamClientInterceptor(WithRecorder(rec), WithServiceName("checkout"))

			var opened context.Context
			cs, err := interceptor(context.Background(), tt.desc, nil, "/s/Stream", func(ctx context.Context, _ *grpc.StreamDesc, _ *grpc.ClientConn, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
				opened = ctx
				return tt.stream, nil
			})
			if err != nil {
				t.Fatalf("interceptor returned %v", err)
			}
			if md, _ := metadata.FromOutgoingContext(opened); len(md.Get(accesslog.InvocationContextHeader)) != 1 {
				t.Fatalf("invocation metadata missing")
			}
			if got := len(sink.snapshot()); got != 1 {
				t.Fatalf("events after open = %d, want 1", got)
			}

			tt.drive(cs)
			// Further reads must not emit a second finish.
			_ = cs.RecvMsg(nil)

			events := sink.snapshot()
			if len(events) != 2 {
				t.Fatalf("events = %d, want 2", len(events))
			}
			if events[1].Label != tt.wantLabel || events[1].Status != tt.wantCode {
				t.Fatalf("finish event = %+v", events[1])
			}
		})
	}
}

// TestStreamClientInterceptorOpenFailure logs a failure when the stream
// cannot be opened.
func TestStreamClientInterceptorOpenFailure(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	interceptor := StreamClientInterceptor(WithRecorder(rec), WithServiceName("checkout"))

	boom := status.Error(codes.Unavailable, "down")
	cs, err := interceptor(context.Background(), &grpc.StreamDesc{ServerStreams: true}, nil, "/s/Stream", func(context.Context, *grpc.StreamDesc, *grpc.ClientConn, string, ...grpc.CallOption) (grpc.ClientStream, error) {
		return nil, boom
	})
	if cs != nil || err != boom {
		t.Fatalf("interceptor = (%v, %v), want (nil, %v)", cs, err, boom)
	}
	events := sink.snapshot()
	if len(events) != 2 || events[1].Label != "request finished(Unavailable)" {
		t.Fatalf("events = %+v", events)
	}
}

// TestErrorKind covers status codes and fallbacks.
func TestErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: status.Error(codes.PermissionDenied, "no"), want: "PermissionDenied"},
		{err: status.Error(codes.Unknown, "?"), want: "status.Error"},
		{err: context.Canceled, want: "Canceled"},
		{err: io.ErrUnexpectedEOF, want: "errors.errorString"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// TestServerAndDialOptions ensures helper options are produced.
func TestServerAndDialOptions(t *testing.T) {
	t.Parallel()

	filter := func(*stats.RPCTagInfo) bool { return true }
	if got := len(ServerOptions(WithServiceName("svc"), WithPublicEndpoint(true), WithFilter(filter))); got != 3 {
		t.Fatalf("ServerOptions len = %d, want 3", got)
	}
	if got := len(ServerOptions(WithOTel(false))); got != 2 {
		t.Fatalf("ServerOptions without OTel len = %d, want 2", got)
	}
	if got := len(DialOptions(WithServiceName("svc"))); got != 3 {
		t.Fatalf("DialOptions len = %d, want 3", got)
	}
	if got := len(DialOptions(WithServiceName("svc"), WithOTel(false))); got != 2 {
		t.Fatalf("DialOptions without OTel len = %d, want 2", got)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the stream context.
func (f *fakeServerStream) Context() context.Context { return f.ctx }

type fakeClientStream struct {
	grpc.ClientStream
	responses int
	recvErr   error
	sendErr   error
	closeErr  error
}

// CloseSend returns the configured error.
func (f *fakeClientStream) CloseSend() error { return f.closeErr }

// SendMsg returns the configured error.
func (f *fakeClientStream) SendMsg(any) error { return f.sendErr }

// RecvMsg yields the queued responses, then the configured error or io.EOF.
func (f *fakeClientStream) RecvMsg(any) error {
	if f.responses > 0 {
		f.responses--
		return nil
	}
	if f.recvErr != nil {
		return f.recvErr
	}
	return io.EOF
}

// TestUnaryClientInterceptorReadsServiceNamePerCall follows a renamed
// service without rebuilding the interceptor.
func TestUnaryClientInterceptorReadsServiceNamePerCall(t *testing.T) {
	t.Parallel()

	rec, _ := newTestRecorder()
	names := accesslog.NewServiceNameHolder("checkout")
	interceptor := UnaryClientInterceptor(WithRecorder(rec), WithServiceNameSource(names))

	sentName := func() string {
		t.Helper()
		var sent metadata.MD
		err := interceptor(context.Background(), "/shop.Stock/Get", "req", nil, nil, func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			sent, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
		if err != nil {
			t.Fatalf("interceptor returned %v", err)
		}
		values := sent.Get(accesslog.InvocationContextHeader)
		if len(values) != 1 {
			t.Fatalf("invocation metadata = %v", values)
		}
		ic, err := accesslog.DecodeInvocationContext(values[0])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ic.Microservice()
	}

	if got := sentName(); got != "checkout" {
		t.Fatalf("first call source = %q, want checkout", got)
	}
	names.Set("checkout-v2")
	if got := sentName(); got != "checkout-v2" {
		t.Fatalf("second call source = %q, want checkout-v2", got)
	}
}
