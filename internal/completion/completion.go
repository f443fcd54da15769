// Package completion talks to the text-completion service that voices
// personas and scores transcripts.
package completion

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Role is the speaker of a prompt message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior exchange passed to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	// Purpose labels the call for logs and spans (reply, evaluate, mentor).
	Purpose     string
	System      string
	Messages    []Message
	Temperature float32
	// JSON asks the model for a JSON document.
	JSON bool
}

// Response is the model output.
type Response struct {
	Text string
}

// Client generates completions.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, req Request) (Response, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrNotConfigured is returned by Unavailable.
var ErrNotConfigured = errors.New("completion service is not configured")

// Unavailable is used when no provider is configured. Every call fails.
type Unavailable struct{}

// Complete always returns ErrNotConfigured.
func (Unavailable) Complete(context.Context, Request) (Response, error) {
	return Response{}, ErrNotConfigured
}

// Traced wraps a client with an OpenTelemetry span per call.
type Traced struct {
	next     Client
	provider string
}

// NewTraced wraps next.
func NewTraced(next Client, provider string) *Traced {
	return &Traced{next: next, provider: provider}
}

// Complete starts a span around the wrapped call.
func (t *Traced) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := otel.Tracer("github.com/ashureev/advisor-sim/internal/completion").Start(ctx, "completion."+req.Purpose)
	defer span.End()

	span.SetAttributes(
		attribute.String("completion.provider", t.provider),
		attribute.Int("completion.messages", len(req.Messages)),
		attribute.Bool("completion.json", req.JSON),
	)

	resp, err := t.next.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, fmt.Errorf("%s completion: %w", t.provider, err)
	}
	span.SetAttributes(attribute.Int("completion.response_len", len(resp.Text)))
	return resp, nil
}
