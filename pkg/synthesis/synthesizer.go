// Package synthesis wraps the external reply-generation collaborator. The
// routing engine treats it as opaque: persona system prompts, knowledge
// attachments, and context merging all live behind the endpoint.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
)

// Synthesizer produces a chatbot reply for the given persona and history.
type Synthesizer interface {
	Synthesize(ctx context.Context, chatbotID, visitorMessage string, history []*chatstore.Message) (string, error)
}

// HTTPSynthesizer posts the synthesis request to an external JSON endpoint.
type HTTPSynthesizer struct {
	URL    string
	Client *http.Client
}

var _ Synthesizer = &HTTPSynthesizer{}

type synthesizeRequest struct {
	ChatbotID string           `json:"chatbotId"`
	Message   string           `json:"message"`
	History   []synthesizeTurn `json:"history"`
}

type synthesizeTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type synthesizeResponse struct {
	Text string `json:"text"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, chatbotID, visitorMessage string, history []*chatstore.Message) (string, error) {
	if s == nil || s.URL == "" {
		return "", errors.New("http synthesizer: no URL configured")
	}
	turns := make([]synthesizeTurn, 0, len(history))
	for _, m := range history {
		role := "visitor"
		if m.SenderType == chatstore.SenderAgent {
			role = "agent"
		}
		turns = append(turns, synthesizeTurn{Role: role, Content: m.Content})
	}
	body, err := json.Marshal(synthesizeRequest{ChatbotID: chatbotID, Message: visitorMessage, History: turns})
	if err != nil {
		return "", errors.Wrap(err, "http synthesizer: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "http synthesizer: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "http synthesizer: request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("http synthesizer: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "http synthesizer: read response")
	}
	var out synthesizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "http synthesizer: decode response")
	}
	if out.Text == "" {
		return "", errors.New("http synthesizer: empty reply")
	}
	return out.Text, nil
}

// CannedSynthesizer returns deterministic replies. It is the default when no
// synthesis endpoint is configured, and doubles as the test double.
type CannedSynthesizer struct {
	// Replies maps chatbotID to a fixed reply. Missing personas fall back to
	// a generic acknowledgement naming the persona.
	Replies map[string]string
}

var _ Synthesizer = &CannedSynthesizer{}

func (s *CannedSynthesizer) Synthesize(_ context.Context, chatbotID, _ string, _ []*chatstore.Message) (string, error) {
	if s != nil && s.Replies != nil {
		if reply, ok := s.Replies[chatbotID]; ok {
			return reply, nil
		}
	}
	return fmt.Sprintf("Thanks for your message! (%s)", chatbotID), nil
}
