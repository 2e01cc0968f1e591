package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftline/internal/apperr"
	"driftline/internal/snapshot"
)

// HTTP talks to a config server exposing GET /{application}/{profile}[/{label}]
// and answering with ordered property sources, highest priority first.
type HTTP struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type propertySource struct {
	Name   string         `json:"name"`
	Source map[string]any `json:"source"`
}

type environment struct {
	Name            string           `json:"name"`
	Profiles        []string         `json:"profiles"`
	Label           string           `json:"label"`
	PropertySources []propertySource `json:"propertySources"`
}

func (h HTTP) FetchConfig(ctx context.Context, application, profile, label string) (map[string]string, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	u := strings.TrimRight(h.BaseURL, "/") + "/" + url.PathEscape(application) + "/" + url.PathEscape(profile)
	if label != "" {
		u += "/" + url.PathEscape(label)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if h.Username != "" {
		req.SetBasicAuth(h.Username, h.Password)
	}
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, apperr.External("config registry", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, apperr.External("config registry", fmt.Errorf("%s/%s: %w", application, profile, ErrNoConfig))
	}
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, apperr.External("config registry", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}
	var env environment
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return nil, apperr.External("config registry", fmt.Errorf("decode environment: %w", err))
	}
	return mergeSources(env.PropertySources), nil
}

// mergeSources applies sources lowest priority first so earlier sources win.
func mergeSources(sources []propertySource) map[string]string {
	out := make(map[string]string)
	for i := len(sources) - 1; i >= 0; i-- {
		for k, v := range snapshot.Flatten(sources[i].Source) {
			out[k] = v
		}
	}
	return out
}
