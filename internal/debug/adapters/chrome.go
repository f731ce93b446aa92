package adapters

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dshills/debugd/internal/debug"
	"github.com/dshills/debugd/internal/debug/cdp"
)

// chromeAdapter attaches to a running browser's devtools endpoint.
type chromeAdapter struct {
	*cdpBackend
	http *http.Client
}

// NewChromeAdapter returns an adapter for the chrome kind.
func NewChromeAdapter(s Settings) (debug.Adapter, error) {
	return &chromeAdapter{
		cdpBackend: newCDPBackend(debug.KindChrome, s),
		http:       &http.Client{},
	}, nil
}

// Launch implements debug.Adapter. It attaches to the preferred target of
// the endpoint at cfg.Host and cfg.Port; nothing is spawned.
func (a *chromeAdapter) Launch(ctx context.Context, _ debug.Host, cfg debug.LaunchConfig, bps []debug.BreakpointRequest) ([]debug.BreakpointResult, error) {
	a.configure(cfg)

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	target, err := cdp.DiscoverTarget(ctx, a.http, host, cfg.Port)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{
		"target": target.ID,
		"type":   target.Type,
		"url":    target.URL,
	}).Debug("attaching")

	client, err := cdp.Dial(ctx, target.WebSocketURL)
	if err != nil {
		return nil, err
	}
	return a.attach(ctx, client, bps)
}
