package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lumenlms/lumen/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for an access token and stores it. The backend
// also sets the refresh cookie used by Refresh.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	resp, err := c.Post(ctx, LoginPath, loginRequest{Email: email, Password: password})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	token, err := tokenFromBody(resp.Body)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	c.SetToken(token)
	return token, nil
}

// Logout ends the server session. The local token is cleared even when the
// call fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.SetToken("")
	if _, err := c.Post(ctx, LogoutPath, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// TouchSession marks the playback session as alive.
func (c *Client) TouchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("touch session: session id is required")
	}
	_, err := c.Do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/touch", nil)
	return err
}

// Claims decodes the current token without verifying it.
func (c *Client) Claims() (*auth.Claims, error) {
	token := c.currentToken()
	if token == "" {
		return nil, errors.New("api: not logged in")
	}
	return auth.ParseUnverified(token)
}

// StreamURL returns the native playback source for a video.
func (c *Client) StreamURL(videoID string) string {
	return c.baseURL + "/api/videos/" + url.PathEscape(videoID) + "/stream"
}
