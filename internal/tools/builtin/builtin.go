// Package builtin holds the server-side tools every deployment gets:
// web fetching and extraction, text diffing, and arithmetic evaluation.
// Everything else comes from the client's registered tool surface.
package builtin

import (
	"time"

	"atp/internal/toolregistry"
)

// Config tunes the built-in tool set.
type Config struct {
	FetchTimeout    time.Duration
	MaxContentBytes int64
	UserAgent       string
	// AllowPrivateHosts disables the loopback/RFC1918 fetch guard. For
	// development and tests.
	AllowPrivateHosts bool
}

func (c *Config) applyDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 2 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "atp-server/1.0"
	}
}

// RegisterAll adds the built-in tools to a registry. Call before Seal.
func RegisterAll(r *toolregistry.Registry, cfg Config) error {
	cfg.applyDefaults()
	web := newWebTools(cfg)

	tools := []toolregistry.Tool{
		{
			Name: "web/fetch",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"url"},
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
			},
			Metadata: toolregistry.Metadata{
				OperationType: toolregistry.OpRead,
				Description:   "Fetch a URL and return its readable text content",
			},
			Handler: web.fetch,
		},
		{
			Name: "web/extract",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"url", "selector"},
				"properties": map[string]any{
					"url":      map[string]any{"type": "string"},
					"selector": map[string]any{"type": "string"},
				},
			},
			Metadata: toolregistry.Metadata{
				OperationType: toolregistry.OpRead,
				Description:   "Fetch a URL and extract elements matching a CSS selector",
			},
			Handler: web.extract,
		},
		{
			Name: "text/diff",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"before", "after"},
				"properties": map[string]any{
					"before": map[string]any{"type": "string"},
					"after":  map[string]any{"type": "string"},
				},
			},
			Metadata: toolregistry.Metadata{
				OperationType: toolregistry.OpRead,
				Description:   "Diff two texts and return the edit operations",
			},
			Handler: diffTexts,
		},
		{
			Name: "math/eval",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"expression"},
				"properties": map[string]any{
					"expression": map[string]any{"type": "string"},
				},
			},
			Metadata: toolregistry.Metadata{
				OperationType: toolregistry.OpRead,
				Description:   "Evaluate an arithmetic expression",
			},
			Handler: evalExpression,
		},
	}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
