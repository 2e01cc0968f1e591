package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"

	"driftline/internal/apperr"
)

// Consul reads configuration from the Consul KV tree
// <prefix>/<application>/<profile>[/<label>]/<key/path>. Nested key paths become
// dotted property names.
type Consul struct {
	kv     *api.KV
	prefix string
}

type ConsulConfig struct {
	Address    string
	Datacenter string
	Token      string
	Prefix     string
}

func NewConsul(cfg ConsulConfig) (*Consul, error) {
	consulConfig := api.DefaultConfig()
	if cfg.Address != "" {
		consulConfig.Address = cfg.Address
	}
	consulConfig.Datacenter = cfg.Datacenter
	consulConfig.Token = cfg.Token
	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "config"
	}
	return &Consul{kv: client.KV(), prefix: prefix}, nil
}

func (c *Consul) FetchConfig(ctx context.Context, application, profile, label string) (map[string]string, error) {
	root := c.prefix + "/" + application + "/" + profile
	if label != "" {
		root += "/" + label
	}
	root += "/"
	pairs, _, err := c.kv.List(root, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, apperr.External("config registry", err)
	}
	if len(pairs) == 0 {
		return nil, apperr.External("config registry", fmt.Errorf("%s: %w", root, ErrNoConfig))
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		rel := strings.TrimPrefix(p.Key, root)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		out[strings.ReplaceAll(rel, "/", ".")] = string(p.Value)
	}
	return out, nil
}
