// Package session talks to the external session service. The relay's only
// need is closing in-flight teleoperation sessions when their channel is
// reaped; session CRUD, duration accounting and billing live elsewhere.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Closer closes any session still marked active for a connection and
// returns how many were closed. The operation is idempotent on the service
// side; closing an already closed session counts as zero.
type Closer interface {
	CloseActiveSessionsForConnection(ctx context.Context, connectionID string) (int, error)
}

// Client is the HTTP client for the session service.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient builds a Client against the given endpoint. The token, when
// set, is sent as a bearer credential.
func NewClient(endpoint, token string, logger zerolog.Logger) *Client {
	http := resty.New().
		SetHostURL(endpoint).
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	if token != "" {
		http.SetAuthToken(token)
	}
	return &Client{
		http:   http,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

type closeRequest struct {
	ConnectionID string `json:"connectionId"`
}

type closeResponse struct {
	Closed int `json:"closed"`
}

func (c *Client) CloseActiveSessionsForConnection(ctx context.Context, connectionID string) (int, error) {
	var out closeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(closeRequest{ConnectionID: connectionID}).
		SetResult(&out).
		Post("/sessions/close")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("session service returned %s", resp.Status())
	}
	if out.Closed > 0 {
		c.logger.Info().Str("connection", connectionID).Int("closed", out.Closed).Msg("Closed active sessions")
	}
	return out.Closed, nil
}

// NopCloser is used when no session service is configured.
type NopCloser struct{}

func (NopCloser) CloseActiveSessionsForConnection(context.Context, string) (int, error) {
	return 0, nil
}
