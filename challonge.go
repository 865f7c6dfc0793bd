package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const challongeBaseURL = "https://api.challonge.com"

// ChallongeClient adds participants to a Challonge tournament.
type ChallongeClient struct {
	baseURL string
	apiKey  string
	tourney string
	client  *http.Client
}

func NewChallongeClient(apiKey, tourney string) *ChallongeClient {
	return &ChallongeClient{
		baseURL: challongeBaseURL,
		apiKey:  apiKey,
		tourney: tourney,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// AddParticipant creates a new participant with the given display name
// and an opaque misc blob. The participant deliberately carries no email
// so Challonge does not put it into a pending-invitation state. The
// decoded response body is returned as-is.
func (c *ChallongeClient) AddParticipant(ctx context.Context, name, misc string) (map[string]any, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("CHALLONGE_API_KEY is missing")
	}
	if c.tourney == "" {
		return nil, fmt.Errorf("CHALLONGE_TOURNEY is missing")
	}

	endpoint := fmt.Sprintf("%s/v1/tournaments/%s/participants.json?api_key=%s",
		c.baseURL, url.PathEscape(c.tourney), url.QueryEscape(c.apiKey))

	body, err := json.Marshal(map[string]any{
		"participant": map[string]string{
			"name": name,
			"misc": misc,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("challonge API error %d: %s", resp.StatusCode, string(text))
	}

	var added map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return nil, fmt.Errorf("decoding challonge response: %w", err)
	}
	return added, nil
}
