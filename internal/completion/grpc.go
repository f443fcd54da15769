package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name of the completion service.
// Requests and responses are google.protobuf.Struct documents.
const CompleteMethod = "/completion.v1.CompletionService/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient calls a completion sidecar over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	model  string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the completion service and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("completion service address is required")
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to completion service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("completion service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to completion service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		model:  cfg.Model,
		logger: logger,
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
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Complete sends req as a Struct and reads the "text" field of the reply.
func (c *GrpcClient) Complete(ctx context.Context, req Request) (Response, error) {
	in, err := encodeRequest(req, c.model)
	if err != nil {
		return Response{}, err
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompleteMethod, in, out); err != nil {
		c.logger.Warn("completion call failed", "purpose", req.Purpose, "error", err)
		return Response{}, fmt.Errorf("complete request failed: %w", err)
	}

	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return Response{}, fmt.Errorf("completion service error: %s", msg)
	}
	text := strings.TrimSpace(out.GetFields()["text"].GetStringValue())
	if text == "" {
		return Response{}, errors.New("completion service returned an empty response")
	}
	return Response{Text: text}, nil
}

func encodeRequest(req Request, model string) (*structpb.Struct, error) {
	msgs := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	s, err := structpb.NewStruct(map[string]any{
		"purpose":     req.Purpose,
		"model":       model,
		"system":      req.System,
		"messages":    msgs,
		"temperature": float64(req.Temperature),
		"json":        req.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	return s, nil
}
