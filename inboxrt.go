// Package inboxrt is the transactional-inbox runtime's public entry
// point: an application registers named inboxes with their handler
// bindings, then starts and stops the whole fleet through one
// Manager. Everything else in internal/ is plumbing this package
// wires together per the inbox's configured backend and strategy
// type.
package inboxrt

import (
	"errors"
	"fmt"

	"github.com/oriys/inboxrt/internal/config"
	"github.com/oriys/inboxrt/internal/envelope"
	"github.com/oriys/inboxrt/internal/handler"
)

// Outcome is what Enqueue actually did, mirroring storage.EnqueueOutcome
// plus the one case only the Manager can detect: the inbox name isn't
// registered at all.
type Outcome int

const (
	Accepted Outcome = iota
	DuplicateID
	DedupHit
	InboxUnknown
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DuplicateID:
		return "duplicate_id"
	case DedupHit:
		return "dedup_hit"
	case InboxUnknown:
		return "inbox_unknown"
	default:
		return "unknown"
	}
}

// ErrNoHandler is returned by RegisterInbox when the handler does not
// implement the capability its strategy type requires (handler.Handler
// for Default/Fifo, handler.BatchHandler for Batched/FifoBatched).
var ErrNoHandler = errors.New("inboxrt: handler does not implement the capability required by this inbox's strategy type")

// ErrAlreadyStarted is returned by RegisterInbox once Start has been
// called: the configuration registry is frozen at that point.
var ErrAlreadyStarted = errors.New("inboxrt: manager already started, registry is frozen")

// NewEnvelope builds an envelope ready for Enqueue, assigning a fresh
// ID when id is empty.
func NewEnvelope(id string, payload []byte, contentType string) envelope.Envelope {
	if id == "" {
		id = envelope.NewID()
	}
	return envelope.Envelope{
		ID:          id,
		Payload:     payload,
		ContentType: contentType,
	}
}

// validateStrategyHandler checks that h implements the interface the
// configured strategy type needs.
func validateStrategyHandler(typ config.StrategyType, h any) error {
	switch typ {
	case config.StrategyDefault, config.StrategyFifo:
		if _, ok := h.(handler.Handler); !ok {
			return fmt.Errorf("%w: want single-message Handler for type %q", ErrNoHandler, typ)
		}
	case config.StrategyBatched, config.StrategyFifoBatched:
		if _, ok := h.(handler.BatchHandler); !ok {
			return fmt.Errorf("%w: want BatchHandler for type %q", ErrNoHandler, typ)
		}
	default:
		return fmt.Errorf("%w: unknown strategy type %q", config.ErrInvalidConfig, typ)
	}
	return nil
}
