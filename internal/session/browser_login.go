package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBrowserLogin calls an external browser-automation service that logs in
// and returns the session cookies as {"cookies":[{"name":"..","value":".."}]}.
type HTTPBrowserLogin struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPBrowserLogin(endpoint string, timeout time.Duration) *HTTPBrowserLogin {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPBrowserLogin{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type browserLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type browserLoginResponse struct {
	Cookies []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"cookies"`
	Error string `json:"error,omitempty"`
}

func (b *HTTPBrowserLogin) Login(ctx context.Context, creds Credentials) ([]*http.Cookie, error) {
	payload, err := json.Marshal(browserLoginRequest{Email: creds.Email, Password: creds.Password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("browser service: read body: %w", err)
	}

	var out browserLoginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("browser service: decode (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("browser service: status %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("browser service: status %d", resp.StatusCode)
	}

	cookies := make([]*http.Cookie, 0, len(out.Cookies))
	for _, c := range out.Cookies {
		if c.Name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	return cookies, nil
}
