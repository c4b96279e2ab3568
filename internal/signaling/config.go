package signaling

import (
	"encoding/json"
	"io/ioutil"
)

// Config holds the client's connection settings for the signaling relay.
type Config struct {
	// Relay address in host:port form.
	ServerAddress string `json:"server_address"`

	// Connect with TLS. The relay terminates TLS itself when enabled.
	EnableTLS bool `json:"enable_tls"`

	// Accept a relay certificate that doesn't chain to a known CA. Only
	// for local development against a self-signed relay identity.
	InsecureSkipVerify bool `json:"insecure_skip_verify"`

	// Keep-alive interval in seconds; 0 disables heartbeats and relies on
	// TCP-level failure detection alone.
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// LoadConfig loads the client configuration from a JSON file.
func LoadConfig(filePath string) (*Config, error) {
	c := &Config{}

	d, err := ioutil.ReadFile(filePath)
	if err != nil {
		return c, err
	}

	return c, json.Unmarshal(d, c)
}
