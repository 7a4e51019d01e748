package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamNameFor(t *testing.T) {
	assert.Equal(t, "dev1_0_1_2", streamNameFor("dev1", "0-1-2"))
	assert.Equal(t, "dev1_", streamNameFor("dev1", ""))
}

func TestDetailsClientFetchesDescriptor(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/"+detailsPath, r.URL.Path)
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte(`{
			"platform": "millicast",
			"millicast": {
				"subscribe_token": "tok",
				"endPoints": {"publish_api_url": "https://director.example.com/api/director/publish/acct1/dev1_0_1"}
			}
		}`))
	}))
	defer srv.Close()

	c := NewDetailsClient(srv.URL+"/api/", "api-token", "org-9", time.Second)
	require.True(t, c.Configured())

	d, err := c.StreamingDetails(context.Background(), "dev1", "0-1")
	require.NoError(t, err)
	assert.Equal(t, PlatformWebRTC, d.Platform)
	assert.Equal(t, "dev1_0_1", d.Label())

	h := <-headers
	assert.Equal(t, "Bearer api-token", h.Get("Authorization"))
	assert.Equal(t, "org-9", h.Get("Org-Id"))
	assert.Equal(t, "dev1", h.Get("Device-Id"))
	assert.Equal(t, "dev1_0_1", h.Get("streamname"))
}

func TestDetailsClientErrors(t *testing.T) {
	var unconfigured *DetailsClient
	_, err := unconfigured.StreamingDetails(context.Background(), "dev1", "0")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewDetailsClient("https://api.example.com", "", "org", time.Second).StreamingDetails(context.Background(), "dev1", "0")
	assert.ErrorIs(t, err, ErrConfiguration)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Device-Id") == "broken" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	c := NewDetailsClient(srv.URL, "tok", "org", time.Second)

	_, err = c.StreamingDetails(context.Background(), "dev1", "0")
	assert.ErrorIs(t, err, ErrConnection)

	_, err = c.StreamingDetails(context.Background(), "broken", "0")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = c.StreamingDetails(context.Background(), "", "0")
	assert.ErrorIs(t, err, ErrConfiguration)
}
