package cdp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrNoTarget is returned when the debugging endpoint lists no debuggable
// target.
var ErrNoTarget = errors.New("cdp: no debuggable target")

// Target is one entry of the /json/list endpoint.
type Target struct {
	ID           string
	Type         string
	Title        string
	URL          string
	WebSocketURL string
}

// targetPreference ranks target types; lower is better.
var targetPreference = map[string]int{
	"page":   0,
	"node":   1,
	"iframe": 2,
	"other":  3,
}

// ListTargets fetches the targets exposed at host:port.
func ListTargets(ctx context.Context, client *http.Client, host string, port int) ([]Target, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list targets: %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("list targets: malformed response from %s", url)
	}

	var out []Target
	gjson.ParseBytes(data).ForEach(func(_, t gjson.Result) bool {
		out = append(out, Target{
			ID:           t.Get("id").String(),
			Type:         t.Get("type").String(),
			Title:        t.Get("title").String(),
			URL:          t.Get("url").String(),
			WebSocketURL: t.Get("webSocketDebuggerUrl").String(),
		})
		return true
	})
	return out, nil
}

// DiscoverTarget returns the most suitable debuggable target at host:port:
// pages first, then runtimes, skipping targets already attached to another
// client (those have no WebSocket URL).
func DiscoverTarget(ctx context.Context, client *http.Client, host string, port int) (Target, error) {
	targets, err := ListTargets(ctx, client, host, port)
	if err != nil {
		return Target{}, err
	}
	best, bestRank := -1, 0
	for i, t := range targets {
		if t.WebSocketURL == "" {
			continue
		}
		rank, ok := targetPreference[t.Type]
		if !ok {
			continue
		}
		if best < 0 || rank < bestRank {
			best, bestRank = i, rank
		}
	}
	if best < 0 {
		return Target{}, fmt.Errorf("%w at %s", ErrNoTarget, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return targets[best], nil
}
