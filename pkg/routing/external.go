package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// ExternalValueSource supplies the value map an external_check node compares
// against, e.g. a CRM tier lookup. Failures are non-fatal: the engine treats
// them as the check evaluating false.
type ExternalValueSource interface {
	Fetch(ctx context.Context, sessionID, serverName, toolName string) (map[string]string, error)
}

// StaticValueSource serves fixed values, keyed by serverName/toolName.
// Useful for tests and single-tenant deployments with pre-baked data.
type StaticValueSource map[string]map[string]string

var _ ExternalValueSource = StaticValueSource{}

func (s StaticValueSource) Fetch(_ context.Context, _, serverName, toolName string) (map[string]string, error) {
	values, ok := s[serverName+"/"+toolName]
	if !ok {
		return nil, errors.Errorf("static value source: no values for %s/%s", serverName, toolName)
	}
	return values, nil
}

// HTTPValueSource fetches values from an external JSON endpoint. The request
// carries the session and tool coordinates; the response is a flat string map.
type HTTPValueSource struct {
	URL    string
	Client *http.Client
}

var _ ExternalValueSource = &HTTPValueSource{}

type externalFetchRequest struct {
	SessionID  string `json:"sessionId"`
	ServerName string `json:"serverName"`
	ToolName   string `json:"toolName"`
}

func (h *HTTPValueSource) Fetch(ctx context.Context, sessionID, serverName, toolName string) (map[string]string, error) {
	if h == nil || h.URL == "" {
		return nil, errors.New("http value source: no URL configured")
	}
	body, err := json.Marshal(externalFetchRequest{SessionID: sessionID, ServerName: serverName, ToolName: toolName})
	if err != nil {
		return nil, errors.Wrap(err, "http value source: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "http value source: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http value source: fetch")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("http value source: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "http value source: read response")
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "http value source: decode response")
	}
	return values, nil
}
