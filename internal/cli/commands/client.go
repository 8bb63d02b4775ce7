package commands

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/robolink/robolink/internal/config"
)

const apiTimeout = 5 * time.Second

// apiClient builds a resty client for the relay's admin API, resolving
// host, port and token from flags with config fallback.
func apiClient(cfg *config.Config, host string, port int) (*resty.Client, string) {
	if host == "" {
		host = cfg.Relay.Host
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = cfg.Relay.Port
	}

	client := resty.New().
		SetHostURL(fmt.Sprintf("http://%s:%d", host, port)).
		SetTimeout(apiTimeout)
	if cfg.Relay.Auth.Token != "" {
		client.SetAuthToken(cfg.Relay.Auth.Token)
	}
	return client, fmt.Sprintf("%s:%d", host, port)
}
