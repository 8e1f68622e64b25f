// Package events manages portal event handler registrations.
//
// The portal pushes CRM and task lifecycle events to registered handler
// URLs. Manager wraps the registration methods (event.bind, event.unbind,
// event.get) with a typed surface, leaving delivery and payload handling
// to the receiving application.
package events

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unnamed777/bx24wrapper/pkg/client"
	"github.com/unnamed777/bx24wrapper/pkg/logging"
)

const listMethod = "event.get"

// Binder is the part of the platform client event management needs.
// *client.Client implements it.
type Binder interface {
	CallMethod(ctx context.Context, method string, params client.Params) (*client.Response, error)
	CallBind(ctx context.Context, event, handlerURL string, authUserID int) (*client.Response, error)
	CallUnbind(ctx context.Context, event, handlerURL string, authUserID int) (*client.Response, error)
}

// Registration is one handler registration as the portal reports it.
// The portal serializes every field as a string.
type Registration struct {
	Event   string `json:"event"`
	Handler string `json:"handler"`

	// AuthType is the portal user the subscription authenticates as,
	// "0" for the webhook owner.
	AuthType string `json:"auth_type"`

	// Offline is "1" for offline queue delivery, "0" for direct push.
	Offline string `json:"offline"`
}

// Options configures a registration call.
type Options struct {
	// AuthUserID makes the portal deliver events under this user's
	// authority instead of the webhook owner. Zero keeps the default.
	AuthUserID int
}

// Manager registers and removes event handlers on the portal.
type Manager struct {
	caller Binder
	logger zerolog.Logger
}

// New returns a Manager on top of the given platform client.
func New(caller Binder) *Manager {
	return &Manager{
		caller: caller,
		logger: logging.NewLogger("bx24-events"),
	}
}

// Bind subscribes handlerURL to deliveries of the named event.
func (m *Manager) Bind(ctx context.Context, event, handlerURL string, opts Options) error {
	if _, err := m.caller.CallBind(ctx, event, handlerURL, opts.AuthUserID); err != nil {
		return fmt.Errorf("bind %s: %w", event, err)
	}

	m.logger.Info().
		Str("event", event).
		Str("handler", handlerURL).
		Msg("event handler bound")
	return nil
}

// Unbind removes registrations matching the event and handler URL and
// returns how many the portal removed.
func (m *Manager) Unbind(ctx context.Context, event, handlerURL string, opts Options) (int, error) {
	resp, err := m.caller.CallUnbind(ctx, event, handlerURL, opts.AuthUserID)
	if err != nil {
		return 0, fmt.Errorf("unbind %s: %w", event, err)
	}

	var result struct {
		Count int `json:"count"`
	}
	if err := resp.Bind(&result); err != nil {
		return 0, fmt.Errorf("unbind %s: decode result: %w", event, err)
	}

	m.logger.Info().
		Str("event", event).
		Str("handler", handlerURL).
		Int("count", result.Count).
		Msg("event handlers unbound")
	return result.Count, nil
}

// List returns every handler registration known to the portal for the
// current authorization.
func (m *Manager) List(ctx context.Context) ([]Registration, error) {
	resp, err := m.caller.CallMethod(ctx, listMethod, nil)
	if err != nil {
		return nil, fmt.Errorf("list event handlers: %w", err)
	}

	var regs []Registration
	if err := resp.Bind(&regs); err != nil {
		return nil, fmt.Errorf("list event handlers: decode result: %w", err)
	}
	return regs, nil
}
