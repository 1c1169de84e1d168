package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/pantry-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
)

// Delivery is an authenticated webhook body plus the identifiers pulled from
// its envelope.
type Delivery struct {
	Provider  enums.WebhookProvider `json:"provider"`
	EventID   string                `json:"event_id"`
	EventType string                `json:"event_type"`
	OrderID   string                `json:"order_id,omitempty"`
	Payload   json.RawMessage       `json:"payload"`
}

// Processor applies one delivery. Errors are classified by the caller.
type Processor interface {
	Process(ctx context.Context, d Delivery) error
}

// Router hands a delivery to the processor registered for its provider.
type Router struct {
	processors map[enums.WebhookProvider]Processor
}

// NewRouter builds a router over the given processors.
func NewRouter(processors map[enums.WebhookProvider]Processor) *Router {
	copied := make(map[enums.WebhookProvider]Processor, len(processors))
	for provider, p := range processors {
		if p != nil {
			copied[provider] = p
		}
	}
	return &Router{processors: copied}
}

// Register adds or replaces the processor for provider. Call it before the
// router starts receiving deliveries.
func (r *Router) Register(provider enums.WebhookProvider, p Processor) {
	if p == nil {
		return
	}
	r.processors[provider] = p
}

func (r *Router) Process(ctx context.Context, d Delivery) error {
	p, ok := r.processors[d.Provider]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnhandled, fmt.Sprintf("no processor for provider %q", d.Provider))
	}
	return p.Process(ctx, d)
}
