package routes

import (
	"context"

	"github.com/bnema/zerowrap"

	"dcrp/internal/domain"
)

// IntentHandler applies route.intent events from discovery agents to the
// store. The bus delivers events on a single goroutine, so store mutations
// from all hosts are linearized here.
type IntentHandler struct {
	store *Store
	ctx   context.Context
}

// NewIntentHandler creates a new IntentHandler.
func NewIntentHandler(ctx context.Context, store *Store) *IntentHandler {
	return &IntentHandler{store: store, ctx: ctx}
}

// Handle handles a route.intent event.
func (h *IntentHandler) Handle(event domain.Event) error {
	ctx := zerowrap.CtxWithFields(h.ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldHandler: "IntentHandler",
		zerowrap.FieldEvent:   string(event.Type),
		"event_id":            event.ID,
	})
	log := zerowrap.FromCtx(ctx)

	payload, ok := event.Data.(domain.RouteIntentPayload)
	if !ok {
		log.Warn().Msg("invalid event payload type")
		return nil
	}

	var err error
	switch payload.Op {
	case domain.IntentUpsert:
		err = h.store.Upsert(ctx, payload.Intent)
	case domain.IntentRemove:
		err = h.store.Remove(ctx, payload.Intent.RouteID, payload.Intent.Version)
	default:
		log.Warn().Str("op", string(payload.Op)).Msg("unknown intent op")
		return nil
	}

	if err != nil {
		// Stale intents surface here under event reordering; the version
		// guard already discarded them.
		log.Debug().Err(err).
			Str("route_id", payload.Intent.RouteID).
			Str("op", string(payload.Op)).
			Msg("intent not applied")
	}
	return nil
}

// CanHandle returns whether this handler can handle the given event type.
func (h *IntentHandler) CanHandle(eventType domain.EventType) bool {
	return eventType == domain.EventRouteIntent
}
