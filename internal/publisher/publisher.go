// Package publisher performs the external publish call for each supported
// platform and maps platform outcomes to one normalized result. Adapters never
// touch the post store; the engine owns all lifecycle writes.
package publisher

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Request carries everything an adapter needs for one publish attempt.
type Request struct {
	// ExternalID is the platform-side account identifier (page id, member urn).
	ExternalID  string
	AccessToken string
	Content     string
	MediaURL    string
}

// Publisher is implemented once per supported platform.
type Publisher interface {
	Platform() string
	// Publish performs the external call and returns the platform post id.
	// Failures are returned as *Error with a transient/permanent kind.
	Publish(ctx context.Context, req Request) (string, error)
}

// Registry resolves a platform identifier to its adapter. An unknown platform
// is a configuration error: permanent, surfaced, never a crash.
type Registry struct {
	byPlatform map[string]Publisher
}

func NewRegistry(pubs ...Publisher) *Registry {
	m := make(map[string]Publisher, len(pubs))
	for _, p := range pubs {
		m[p.Platform()] = p
	}
	return &Registry{byPlatform: m}
}

// For returns the adapter for platform, or a permanent *Error.
func (r *Registry) For(platform string) (Publisher, error) {
	p, ok := r.byPlatform[platform]
	if !ok {
		return nil, Permanent(platform, "no publisher configured for platform %q", platform)
	}
	return p, nil
}

// Platforms lists the configured platform identifiers, sorted.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.byPlatform))
	for k := range r.byPlatform {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// defaultClient bounds every adapter call that isn't given its own client.
func defaultClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}
