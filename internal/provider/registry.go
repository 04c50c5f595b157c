package provider

import (
	"context"
	"fmt"

	"github.com/hatchpoint/messaging/internal/model"
)

// Registry maps channels and provider names to adapters. It is built once at
// startup and handed to the delivery engine and webhook reconciler; there is
// no process-wide mutable state.
type Registry struct {
	byChannel map[model.ChannelType]Provider
	byName    map[model.Provider]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		byChannel: make(map[model.ChannelType]Provider),
		byName:    make(map[model.Provider]Provider),
	}
}

// Register binds a provider to the channels it serves.
func (r *Registry) Register(p Provider, channels ...model.ChannelType) {
	r.byName[p.Name()] = p
	for _, c := range channels {
		r.byChannel[c] = p
	}
}

// ForChannel selects the provider serving a channel. Selection is a static
// map, not per-request negotiation.
func (r *Registry) ForChannel(channel model.ChannelType) (Provider, error) {
	p, ok := r.byChannel[channel]
	if !ok {
		return nil, fmt.Errorf("no provider for channel %q", channel)
	}
	return p, nil
}

func (r *Registry) ForName(name model.Provider) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// HealthCheck reports per-provider health, keyed by provider name.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.byName))
	for name, p := range r.byName {
		out[string(name)] = p.HealthCheck(ctx)
	}
	return out
}
