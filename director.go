package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultDirectorURL is used when a descriptor carries no subscribe API URL.
const DefaultDirectorURL = "https://director.millicast.com/api/director/subscribe"

// SignalingCredentials are the ephemeral credentials a director hands out.
type SignalingCredentials struct {
	URLs []string `json:"urls"`
	JWT  string   `json:"jwt"`
}

// WebSocketURL is the first signaling endpoint with the token attached.
func (c *SignalingCredentials) WebSocketURL() (string, error) {
	if c == nil || len(c.URLs) == 0 || c.URLs[0] == "" {
		return "", fmt.Errorf("director returned no signaling urls")
	}
	u, err := url.Parse(c.URLs[0])
	if err != nil {
		return "", fmt.Errorf("signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.JWT)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type DirectorRequest struct {
	URL        string
	Token      string
	AccountID  string
	StreamName string
}

// Director exchanges a subscribe token for signaling credentials.
type Director interface {
	Subscribe(ctx context.Context, req DirectorRequest) (*SignalingCredentials, error)
}

type directorBody struct {
	StreamAccountID       string `json:"streamAccountId"`
	StreamName            string `json:"streamName"`
	UnauthorizedSubscribe bool   `json:"unauthorizedSubscribe"`
}

type directorResponse struct {
	Status string               `json:"status"`
	Data   SignalingCredentials `json:"data"`
}

type httpDirector struct {
	client     *http.Client
	defaultURL string
}

func newHTTPDirector(client *http.Client, defaultURL string) *httpDirector {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultURL == "" {
		defaultURL = DefaultDirectorURL
	}
	return &httpDirector{client: client, defaultURL: defaultURL}
}

func (d *httpDirector) Subscribe(ctx context.Context, req DirectorRequest) (*SignalingCredentials, error) {
	endpoint := req.URL
	if endpoint == "" {
		endpoint = d.defaultURL
	}
	body, err := json.Marshal(directorBody{StreamAccountID: req.AccountID, StreamName: req.StreamName})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build director request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("director request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read director response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("director status %d", resp.StatusCode)
	}
	var out directorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode director response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("director status %q", out.Status)
	}
	if len(out.Data.URLs) == 0 || out.Data.JWT == "" {
		return nil, fmt.Errorf("director response missing credentials")
	}
	return &out.Data, nil
}
