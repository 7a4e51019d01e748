package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const detailsPath = "video_streaming/token/get_streaming_details"

// DetailsClient fetches streaming descriptors from the backend API. It is
// built once at startup and shared by whatever needs it.
type DetailsClient struct {
	baseURL string
	token   string
	orgID   string
	client  *http.Client
}

func NewDetailsClient(baseURL, token, orgID string, timeout time.Duration) *DetailsClient {
	return &DetailsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		orgID:   orgID,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *DetailsClient) Configured() bool {
	return c != nil && c.baseURL != "" && c.token != "" && c.orgID != ""
}

// streamNameFor builds "<deviceId>_<payloadIndex>" with dashes in the payload
// index turned into underscores.
func streamNameFor(deviceID, payloadIndex string) string {
	return deviceID + "_" + strings.ReplaceAll(payloadIndex, "-", "_")
}

// StreamingDetails returns the descriptor for one device payload.
func (c *DetailsClient) StreamingDetails(ctx context.Context, deviceID, payloadIndex string) (*StreamingDescriptor, error) {
	if !c.Configured() {
		return nil, configErrorf("streaming details api not configured")
	}
	if deviceID == "" {
		return nil, configErrorf("device id missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+detailsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build details request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Org-Id", c.orgID)
	req.Header.Set("Device-Id", deviceID)
	req.Header.Set("streamname", streamNameFor(deviceID, payloadIndex))
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, connectionError("streaming details", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, connectionError("streaming details", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, connectionError("streaming details", fmt.Errorf("status %d", resp.StatusCode))
	}

	var d StreamingDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, configErrorf("decode streaming details: %v", err)
	}
	return &d, nil
}
