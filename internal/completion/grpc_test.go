package completion

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startFakeService serves CompleteMethod with handle on an in-memory listener.
func startFakeService(t *testing.T, handle func(req *structpb.Struct) (*structpb.Struct, error)) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != CompleteMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := handle(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.Model = "test-model"
	client, err := NewGrpcClient(cfg, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClientRoundTripsTranscript(t *testing.T) {
	var got *structpb.Struct
	client := startFakeService(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{"text": "  Hi, I'm Jane.  "})
	})

	resp, err := client.Complete(context.Background(), Request{
		Purpose: "reply",
		System:  "You are Jane Doe.",
		Messages: []Message{
			{Role: RoleUser, Content: "Hello"},
			{Role: RoleAssistant, Content: "Hi"},
			{Role: RoleUser, Content: "How are you?"},
		},
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi, I'm Jane.", resp.Text)

	require.NotNil(t, got)
	fields := got.AsMap()
	assert.Equal(t, "You are Jane Doe.", fields["system"])
	assert.Equal(t, "test-model", fields["model"])
	msgs, ok := fields["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	assert.Equal(t, map[string]any{"role": "user", "content": "Hello"}, msgs[0])
	assert.Equal(t, map[string]any{"role": "user", "content": "How are you?"}, msgs[2])
}

func TestGrpcClientErrors(t *testing.T) {
	t.Run("status error", func(t *testing.T) {
		client := startFakeService(t, func(*structpb.Struct) (*structpb.Struct, error) {
			return nil, status.Error(codes.Unavailable, "overloaded")
		})
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
	})

	t.Run("error field", func(t *testing.T) {
		client := startFakeService(t, func(*structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{"error": "quota exceeded"})
		})
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		assert.ErrorContains(t, err, "quota exceeded")
	})

	t.Run("empty text", func(t *testing.T) {
		client := startFakeService(t, func(*structpb.Struct) (*structpb.Struct, error) {
			return structpb.NewStruct(map[string]any{"text": " "})
		})
		_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		assert.Error(t, err)
	})

	t.Run("deadline", func(t *testing.T) {
		client := startFakeService(t, func(*structpb.Struct) (*structpb.Struct, error) {
			time.Sleep(200 * time.Millisecond)
			return structpb.NewStruct(map[string]any{"text": "late"})
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := client.Complete(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.Error(t, err)
		assert.Equal(t, codes.DeadlineExceeded, status.Code(errors.Unwrap(err)))
	})
}

func TestNewGrpcClientFailsFastOnBadEndpoint(t *testing.T) {
	cfg := DefaultGrpcClientConfig("passthrough:///nowhere")
	cfg.ConnectTimeout = 100 * time.Millisecond
	_, err := NewGrpcClient(cfg, nil,
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
	)
	assert.Error(t, err)
}

func TestUnavailableAndTraced(t *testing.T) {
	_, err := NewTraced(Unavailable{}, "none").Complete(context.Background(), Request{Purpose: "reply"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	echo := Func(func(_ context.Context, req Request) (Response, error) {
		return Response{Text: req.System}, nil
	})
	resp, err := NewTraced(echo, "func").Complete(context.Background(), Request{System: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}
