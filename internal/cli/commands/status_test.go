package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolink/robolink/internal/config"
	"github.com/robolink/robolink/internal/relay"
)

func mockRelay(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := strings.TrimPrefix(server.URL, "http://")
	parts := strings.Split(url, ":")
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return parts[0], port
}

func TestStatusRunning(t *testing.T) {
	host, port := mockRelay(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(relay.StatusResponse{
				Status:          "running",
				Version:         "1.0.0",
				Uptime:          "1h0m0s",
				Connections:     4,
				IdleConnections: 1,
				GoVersion:       "go1.24",
				Arch:            "amd64",
				OS:              "linux",
			})
		}
	})

	b := bytes.NewBufferString("")
	runStatus(b, &config.Config{}, host, port, false)

	out := b.String()
	assert.Contains(t, out, "running on")
	assert.Contains(t, out, "4 open, 1 idle")
	assert.Contains(t, out, "1.0.0")
}

func TestStatusNotRunning(t *testing.T) {
	b := bytes.NewBufferString("")
	cfg := &config.Config{}
	cfg.Relay.Port = 1 // nothing listens there

	runStatus(b, cfg, "127.0.0.1", 0, false)

	assert.Contains(t, b.String(), "not running")
}

func TestStatusUnreadableResponse(t *testing.T) {
	// A listener that answers 200 without a JSON body is not a relay.
	host, port := mockRelay(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	b := bytes.NewBufferString("")
	runStatus(b, &config.Config{}, host, port, false)

	assert.Contains(t, b.String(), "not running")
}

func TestStatusJSONOutput(t *testing.T) {
	host, port := mockRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(relay.StatusResponse{Status: "running", Version: "1.0.0"})
	})

	b := bytes.NewBufferString("")
	runStatus(b, &config.Config{}, host, port, true)

	var decoded relay.StatusResponse
	require.NoError(t, json.Unmarshal(b.Bytes(), &decoded))
	assert.Equal(t, "running", decoded.Status)
}
