// Package router picks the notification channel for an item.
package router

import (
	"github.com/lalithlochan/jellycast/internal/media"
)

// Decision is the routing result for one notification.
type Decision struct {
	Channel string
	// LogOnly is set when no usable channel exists; the notification is
	// logged and dropped.
	LogOnly bool
	Reason  string
}

// Reasons reported in Decision.Reason.
const (
	ReasonOverride = "override"
	ReasonRoute    = "route"
	ReasonFallback = "fallback"
	ReasonNone     = "no_channel"
)

// Channel is the routing view of a configured destination.
type Channel struct {
	Disabled bool
}

// Router resolves content types to channels. It is immutable once built.
type Router struct {
	routes   map[media.ContentType]string
	fallback string
	channels map[string]Channel
}

// New builds a router. A fallback of "" or "none" routes unmatched items to
// the log only.
func New(routes map[string]string, fallback string, channels map[string]Channel) *Router {
	r := &Router{
		routes:   make(map[media.ContentType]string, len(routes)),
		channels: make(map[string]Channel, len(channels)),
	}
	for ct, ch := range routes {
		r.routes[media.ParseContentType(ct)] = ch
	}
	if fallback != "none" {
		r.fallback = fallback
	}
	for name, ch := range channels {
		r.channels[name] = ch
	}
	return r
}

// Resolve picks the channel for an item. It never fails.
func (r *Router) Resolve(ct media.ContentType, override string) Decision {
	if r.usable(override) {
		return Decision{Channel: override, Reason: ReasonOverride}
	}
	if ch, ok := r.routes[ct]; ok && r.usable(ch) {
		return Decision{Channel: ch, Reason: ReasonRoute}
	}
	if r.usable(r.fallback) {
		return Decision{Channel: r.fallback, Reason: ReasonFallback}
	}
	return Decision{LogOnly: true, Reason: ReasonNone}
}

// Channels returns the names of every enabled channel.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.channels))
	for name, ch := range r.channels {
		if !ch.Disabled {
			out = append(out, name)
		}
	}
	return out
}

func (r *Router) usable(name string) bool {
	if name == "" {
		return false
	}
	ch, ok := r.channels[name]
	return ok && !ch.Disabled
}
