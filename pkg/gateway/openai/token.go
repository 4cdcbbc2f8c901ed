package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrMissingAPIKey is returned when no long-lived API key was configured.
var ErrMissingAPIKey = errors.New("openai: api key must not be empty")

// Secret is an ephemeral client secret minted for a single realtime session.
type Secret struct {
	Value     string
	ExpiresAt time.Time
}

// SessionParams describes the realtime session a secret is minted for.
type SessionParams struct {
	Model        string
	Voice        string
	Instructions string
}

// TokenIssuer exchanges the long-lived API key for ephemeral client secrets
// via POST /v1/realtime/sessions.
type TokenIssuer struct {
	client oai.Client
}

// NewTokenIssuer returns an issuer authenticating with apiKey. An empty
// apiBaseURL selects the public OpenAI endpoint; otherwise it must end with
// the API version prefix, e.g. "https://api.openai.com/v1/".
func NewTokenIssuer(apiKey, apiBaseURL string, httpClient *http.Client) (*TokenIssuer, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if apiBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(apiBaseURL))
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}
	return &TokenIssuer{client: oai.NewClient(reqOpts...)}, nil
}

// createSessionRequest is the request body of POST /realtime/sessions.
type createSessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// MarshalJSON makes the request body explicit to the SDK's request builder.
func (r createSessionRequest) MarshalJSON() ([]byte, error) {
	type alias createSessionRequest
	return json.Marshal(alias(r))
}

type createSessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Issue mints an ephemeral secret for a session described by p.
func (ti *TokenIssuer) Issue(ctx context.Context, p SessionParams) (Secret, error) {
	req := createSessionRequest{
		Model:        p.Model,
		Voice:        p.Voice,
		Instructions: p.Instructions,
	}

	var resp createSessionResponse
	if err := ti.client.Post(ctx, "realtime/sessions", req, &resp); err != nil {
		return Secret{}, fmt.Errorf("openai: create realtime session: %w", err)
	}
	if resp.ClientSecret.Value == "" {
		return Secret{}, errors.New("openai: create realtime session: response carries no client secret")
	}

	s := Secret{Value: resp.ClientSecret.Value}
	if resp.ClientSecret.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(resp.ClientSecret.ExpiresAt, 0)
	}
	return s, nil
}
