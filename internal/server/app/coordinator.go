// Package app binds the protocol pieces into one server-side coordinator:
// sessions, the execution engine, the tool registry and the event stream
// handlers consume.
package app

import (
	"context"
	"time"

	"atp/internal/engine"
	"atp/internal/logging"
	"atp/internal/observability"
	"atp/internal/session"
	"atp/internal/toolregistry"
)

// ProtocolVersion is reported by /api/info.
const ProtocolVersion = "1.0"

// Coordinator is the application service behind every API handler.
type Coordinator struct {
	Sessions    *session.Manager
	Engine      *engine.Engine
	Registry    *toolregistry.Registry
	Search      *toolregistry.SearchIndex
	Broadcaster *EventBroadcaster
	Metrics     *observability.Metrics

	logger logging.Logger
}

// NewCoordinator wires the coordinator. Search and Metrics are optional.
func NewCoordinator(sessions *session.Manager, eng *engine.Engine, registry *toolregistry.Registry, search *toolregistry.SearchIndex, broadcaster *EventBroadcaster, metrics *observability.Metrics) *Coordinator {
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster()
	}
	return &Coordinator{
		Sessions:    sessions,
		Engine:      eng,
		Registry:    registry,
		Search:      search,
		Broadcaster: broadcaster,
		Metrics:     metrics,
		logger:      logging.NewComponentLogger("Coordinator"),
	}
}

// Info describes the server to unauthenticated clients.
func (c *Coordinator) Info() map[string]any {
	return map[string]any{
		"name":     "atp-server",
		"protocol": ProtocolVersion,
		"features": []string{"execute", "resume", "stream", "websocket", "search", "provenance"},
		"toolGroups": c.Registry.Groups(),
	}
}

// InitSession allocates a session for a connecting client.
func (c *Coordinator) InitSession(ctx context.Context, clientInfo map[string]string, capabilities []string) (session.Credentials, error) {
	_, creds, err := c.Sessions.Init(ctx, clientInfo, capabilities)
	if err != nil {
		return session.Credentials{}, err
	}
	if c.Metrics != nil {
		c.Metrics.ActiveSessions.Inc()
	}
	return creds, nil
}

// Definitions renders the registered tool surface as TypeScript.
func (c *Coordinator) Definitions() string {
	return toolregistry.RenderDefinitions(c.Registry)
}

// SearchTools ranks tools against a query.
func (c *Coordinator) SearchTools(ctx context.Context, query string, apiGroups []string, maxResults int) ([]toolregistry.SearchResult, error) {
	return c.Search.Search(ctx, query, apiGroups, maxResults)
}

// Explore lists one level of the tool namespace tree.
func (c *Coordinator) Explore(path string) ([]toolregistry.TreeEntry, error) {
	return c.Registry.Explore(path)
}

// Execute runs a program for a session and publishes lifecycle events.
func (c *Coordinator) Execute(ctx context.Context, sess *session.Session, source string, cfg engine.ExecConfig) (*engine.Result, error) {
	started := time.Now()
	result, err := c.Engine.Execute(ctx, engine.Session{
		ID:           sess.SessionID,
		Capabilities: sess.CapabilitiesClaimed,
	}, source, cfg)
	c.observe(result, err, started)
	return result, err
}

// Resume delivers callback results and publishes lifecycle events.
func (c *Coordinator) Resume(ctx context.Context, sess *session.Session, executionID string, results []engine.CallbackResult, hints []string) (*engine.Result, error) {
	started := time.Now()
	result, err := c.Engine.Resume(ctx, engine.Session{
		ID:           sess.SessionID,
		Capabilities: sess.CapabilitiesClaimed,
	}, executionID, results, hints)
	c.observe(result, err, started)
	return result, err
}

func (c *Coordinator) observe(result *engine.Result, err error, started time.Time) {
	if err != nil || result == nil {
		if c.Metrics != nil {
			c.Metrics.ObserveExecution("error", time.Since(started).Seconds())
		}
		return
	}
	if c.Metrics != nil {
		c.Metrics.ObserveExecution(result.Status, time.Since(started).Seconds())
		if result.Status == engine.StatusPaused {
			c.Metrics.ObserveSuspension(len(result.Callbacks()))
		}
	}
	c.Broadcaster.Publish(Event{
		Type:        result.Status,
		ExecutionID: result.ExecutionID,
		Payload:     result,
	})
}
