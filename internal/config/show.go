package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const masked = "********"

// Redacted returns a copy of c with credentials masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&c.Raw.AccessKey)
	mask(&c.Raw.SecretKey)
	mask(&c.Processed.AccessKey)
	mask(&c.Processed.SecretKey)
	mask(&c.Tenant.AuthSecret)
	mask(&c.NATS.Token)
	mask(&c.Search.Password)
	mask(&c.Database.URL)
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
