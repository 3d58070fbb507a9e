package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	componentOK          = "ok"
	componentUnavailable = "unavailable"
)

const healthTimeout = 5 * time.Second

// Components reports the state of each backend.
type Components struct {
	LLM     string `json:"llm"`
	Graph   string `json:"graph"`
	Staging string `json:"staging"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status     string     `json:"status"`
	APIURL     string     `json:"api_url"`
	Components Components `json:"components"`
	UptimeSec  int64      `json:"uptime_seconds"`
}

// Healthy reports whether every component answered.
func (h Health) Healthy() bool { return h.Status == StatusHealthy }

// Health pings the LLM provider and both stores concurrently.
func (a *App) Health(ctx context.Context) Health {
	h := Health{Status: StatusDegraded, APIURL: a.Config.APIURL}
	if err := a.Ready(); err != nil {
		h.Components = Components{LLM: componentUnavailable, Graph: componentUnavailable, Staging: componentUnavailable}
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	check := func(name string, ping func(context.Context) error, out *string) func() error {
		return func() error {
			if err := ping(ctx); err != nil {
				logger.Warn("[App] Health check failed", "component", name, "err", err)
				*out = componentUnavailable
				return nil
			}
			*out = componentOK
			return nil
		}
	}
	var g errgroup.Group
	g.Go(check("llm", a.AI.Ping, &h.Components.LLM))
	g.Go(check("graph", a.Graph.Ping, &h.Components.Graph))
	g.Go(check("staging", a.Staging.Ping, &h.Components.Staging))
	_ = g.Wait()

	if h.Components.LLM == componentOK && h.Components.Graph == componentOK && h.Components.Staging == componentOK {
		h.Status = StatusHealthy
	}
	a.mu.Lock()
	h.UptimeSec = int64(time.Since(a.started).Seconds())
	a.mu.Unlock()
	return h
}
