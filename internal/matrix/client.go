// Package matrix implements a minimal client for the Matrix
// client-server API: registration, server-side filters, long-poll sync,
// room membership, receipts, and notices. Every request goes through a
// rate-limit-aware retrying executor; all other failures surface as
// typed errors.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver (e.g., "http://localhost:8008").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated homeserver client. It holds the base URL
// and HTTP transport, shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	retrier    *Retrier
}

// NewClient creates a new unauthenticated homeserver client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: HomeserverURL is required")
	}

	// Validate the URL structure. The string form (trailing slash
	// stripped) is stored and request URLs are built by concatenation
	// to avoid double-encoding through url.URL.String().
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		retrier:    NewRetrier(logger),
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a network disruption so
// subsequent requests establish fresh TCP connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Register creates a new account using dummy-auth registration and
// returns the authentication payload. Servers that demand a richer
// auth flow surface an *AuthRequiredError carrying the flows.
//
// Registering a username that already exists fails with an *APIError
// coded M_USER_IN_USE, which callers can detect with IsAPIError.
func (c *Client) Register(ctx context.Context, username, deviceID, displayName string) (*AuthResponse, error) {
	if username == "" {
		return nil, fmt.Errorf("matrix: username is required for registration")
	}

	request := registerRequest{
		Username:                 username,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: displayName,
		Auth:                     &authData{Type: "m.login.dummy"},
	}

	body, err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/register", "", request, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: registration failed: %w", err)
	}

	var response AuthResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse register response: %w", err)
	}

	c.logger.Info("registered account",
		"user_id", response.UserID,
		"device_id", response.DeviceID,
	)
	return &response, nil
}

// NewSession creates an authenticated Session from an existing access
// token. The token is not validated; the first API call fails if it is
// invalid.
func (c *Client) NewSession(userID, accessToken string) *Session {
	return &Session{
		client:      c,
		userID:      userID,
		accessToken: accessToken,
	}
}

// do performs one logical request through the retrying executor.
func (c *Client) do(ctx context.Context, method, path, accessToken string, requestBody any, query url.Values) ([]byte, error) {
	return c.retrier.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return c.doOnce(ctx, method, path, accessToken, requestBody, query)
	})
}

// doOnce performs a single HTTP request to the homeserver and returns
// the response body. Non-2xx statuses are converted into typed errors:
// 401 *AuthRequiredError, 429 *RateLimitError, anything else with a
// structured payload *APIError, otherwise a generic error.
func (c *Client) doOnce(ctx context.Context, method, path, accessToken string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}

	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	switch response.StatusCode {
	case http.StatusUnauthorized:
		var authErr AuthRequiredError
		if jsonErr := json.Unmarshal(responseBody, &authErr); jsonErr != nil {
			return nil, fmt.Errorf("matrix: unexpected 401 response from %s %s: %s",
				method, path, string(responseBody))
		}
		return nil, &authErr

	case http.StatusTooManyRequests:
		var rateErr RateLimitError
		if jsonErr := json.Unmarshal(responseBody, &rateErr); jsonErr != nil {
			return nil, fmt.Errorf("matrix: unexpected 429 response from %s %s: %s",
				method, path, string(responseBody))
		}
		return nil, &rateErr
	}

	var apiErr APIError
	if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
		// Server returned a non-structured error. This should not
		// happen with a spec-compliant server, so fail loud with the
		// raw body.
		return nil, fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	apiErr.StatusCode = response.StatusCode

	return nil, &apiErr
}
