// Package registry fetches expected configuration from the external
// configuration registry. Every backend returns a flat key/value map that the
// snapshot package can canonicalize.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"driftline/internal/apperr"
)

// ErrNoConfig reports that the registry has nothing for the coordinates.
var ErrNoConfig = errors.New("no configuration registered")

// Client is the port the drift detector consumes.
type Client interface {
	FetchConfig(ctx context.Context, application, profile, label string) (map[string]string, error)
}

// Static serves configuration from memory, keyed by "app/profile" or "app/profile/label".
type Static struct {
	Configs map[string]map[string]string
}

func (s Static) FetchConfig(_ context.Context, application, profile, label string) (map[string]string, error) {
	if label != "" {
		if cfg, ok := s.Configs[staticKey(application, profile, label)]; ok {
			return copyMap(cfg), nil
		}
	}
	cfg, ok := s.Configs[staticKey(application, profile, "")]
	if !ok {
		return nil, apperr.External("config registry", fmt.Errorf("%s/%s: %w", application, profile, ErrNoConfig))
	}
	return copyMap(cfg), nil
}

func staticKey(application, profile, label string) string {
	parts := []string{application, profile}
	if label != "" {
		parts = append(parts, label)
	}
	return strings.Join(parts, "/")
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, application, profile, label string) (map[string]string, error)

func (f ClientFunc) FetchConfig(ctx context.Context, application, profile, label string) (map[string]string, error) {
	return f(ctx, application, profile, label)
}
