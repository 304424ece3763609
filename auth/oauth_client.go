package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// oauthClient issues refresh-token grant requests against the
// TradeStation token endpoint.
type oauthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func newOAuthClient(tokenURL, clientID, clientSecret string) *oauthClient {
	return &oauthClient{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// refreshErrorKind classifies the failure so the caller can decide
// whether to retry or purge the stored credential.
type refreshErrorKind int

const (
	refreshErrorTransient refreshErrorKind = iota
	refreshErrorTerminal
)

type refreshError struct {
	kind refreshErrorKind
	msg  string
}

func (e *refreshError) Error() string { return e.msg }

// refresh exchanges a refresh token for a new access token (and,
// potentially, a rotated refresh token).
func (c *oauthClient) refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error) {
	payload, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("auth: encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("auth: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, &refreshError{kind: refreshErrorTransient, msg: fmt.Sprintf("auth: refresh request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var parsed tokenResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || isClientMismatch(parsed) {
			return "", "", time.Time{}, &refreshError{kind: refreshErrorTerminal, msg: fmt.Sprintf("auth: refresh rejected: %s: %s", parsed.Error, parsed.ErrorDesc)}
		}
		return "", "", time.Time{}, &refreshError{kind: refreshErrorTransient, msg: fmt.Sprintf("auth: refresh returned status %d", resp.StatusCode)}
	}

	if parsed.AccessToken == "" {
		return "", "", time.Time{}, &refreshError{kind: refreshErrorTransient, msg: "auth: refresh response missing access_token"}
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 1200 // TradeStation's documented default lifetime
	}

	rotated := parsed.RefreshToken
	if rotated == "" {
		rotated = refreshToken
	}

	return parsed.AccessToken, rotated, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

// isClientMismatch recognizes TradeStation's invalid_grant shape for a
// refresh token associated with a different client id (e.g. "the
// client associated with this refresh token is invalid") — a terminal
// failure requiring re-authorization, not a retry.
func isClientMismatch(resp tokenResponse) bool {
	if resp.Error != "invalid_grant" {
		return false
	}
	desc := strings.ToLower(resp.ErrorDesc)
	return strings.Contains(desc, "client") && strings.Contains(desc, "refresh token")
}
