// Package handler defines the application-supplied message handler
// capabilities (spec.md §6): single-message and batch dispatch, each
// reporting a per-message outcome back to the processing strategy.
package handler

import (
	"context"

	"github.com/oriys/inboxrt/internal/envelope"
)

// Result is a handler's verdict for one message.
type Result struct {
	Success bool
	// Retryable is ignored when Success is true. When false on a
	// failure, the strategy bypasses remaining attempts and
	// dead-letters immediately (spec.md §7).
	Retryable bool
	Reason    string
}

// Ok is the successful Result.
func Ok() Result { return Result{Success: true} }

// Fail reports a retryable failure with reason.
func Fail(reason string) Result { return Result{Success: false, Retryable: true, Reason: reason} }

// FailNonRetryable reports a failure that must dead-letter immediately.
func FailNonRetryable(reason string) Result { return Result{Success: false, Retryable: false, Reason: reason} }

// Handler processes one message at a time.
type Handler interface {
	Handle(ctx context.Context, msg envelope.Envelope) Result
}

// BatchHandler processes a batch of messages, reporting one Result
// per message in input order. Partial failure is expected: one
// failing message does not imply the others failed.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []envelope.Envelope) []Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg envelope.Envelope) Result

func (f HandlerFunc) Handle(ctx context.Context, msg envelope.Envelope) Result { return f(ctx, msg) }

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, msgs []envelope.Envelope) []Result

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, msgs []envelope.Envelope) []Result {
	return f(ctx, msgs)
}
