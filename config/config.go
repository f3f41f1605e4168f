// Package config holds the transport's tunable timeouts and limits. Every
// field has a spec-mandated default; callers load overrides from YAML via
// LoadConfig.
package config

import (
	"crypto/tls"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every timeout and limit the handshake, channel
// multiplexer, session layer, and relay consult.
type Config struct {
	// ServerHandshakeInactivity bounds each server-side handshake phase.
	ServerHandshakeInactivity time.Duration `yaml:"server_handshake_inactivity"`
	// SourceGateRejectDelay is the anti-probe sleep before closing a
	// connection from a non-whitelisted source IP.
	SourceGateRejectDelay time.Duration `yaml:"source_gate_reject_delay"`

	// ClientPhaseTimeout bounds each client-side handshake phase wait
	// (challenge, auth, forwarding, encryption).
	ClientPhaseTimeout time.Duration `yaml:"client_phase_timeout"`

	// ClientDialTimeout is the per-attempt dial timeout.
	ClientDialTimeout time.Duration `yaml:"client_dial_timeout"`
	// ClientDialAttempts is the number of dial attempts before NO_SOCKET.
	ClientDialAttempts int `yaml:"client_dial_attempts"`
	// ClientDialBackoffStep is the per-attempt incremental back-off (0, 1x, 2x, ...).
	ClientDialBackoffStep time.Duration `yaml:"client_dial_backoff_step"`

	// ServerForwardDialTimeout is the per-attempt relay dial timeout.
	ServerForwardDialTimeout time.Duration `yaml:"server_forward_dial_timeout"`
	// ServerForwardDialAttempts is the number of relay dial attempts.
	ServerForwardDialAttempts int `yaml:"server_forward_dial_attempts"`

	// ChannelReplyTimeout bounds how long send_message waits for a reply.
	ChannelReplyTimeout time.Duration `yaml:"channel_reply_timeout"`
	// LivelinessTimeout bounds the liveness probe round trip.
	LivelinessTimeout time.Duration `yaml:"liveliness_timeout"`
	// ReadLoopTimeout bounds each per-read wait in the client's steady-state
	// read loop.
	ReadLoopTimeout time.Duration `yaml:"read_loop_timeout"`
	// ReconnectBackoff is the wait between failed ensure_connected retries.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// RelayChunkSize is the read size used by the splice pipes.
	RelayChunkSize int `yaml:"relay_chunk_size"`

	// ChannelPoolSize caps how many Channels the client's channel manager
	// grows to (it starts empty); the server also uses it as the capacity of
	// its inbound RPC queue.
	ChannelPoolSize int `yaml:"channel_pool_size"`

	// SourceIPWhitelist, if non-empty, restricts the server's source gate to
	// these addresses.
	SourceIPWhitelist []string `yaml:"source_ip_whitelist"`

	// BindRetryInterval is how often start_server retries after a failed
	// listen (address in use, permission denied, etc).
	BindRetryInterval time.Duration `yaml:"bind_retry_interval"`

	// ReaderBufferLimit bounds the per-connection processing buffer the
	// server's frame reader is willing to accumulate.
	ReaderBufferLimit int `yaml:"reader_buffer_limit"`

	// ClientTLS supplies the client's cert/key and CA pool for the post-forward
	// mutual-TLS upgrade (ProxyMessage.ProxySsl). Nil disables the upgrade;
	// a ProxySsl relay request with no ClientTLS configured fails the
	// handshake. Not YAML-loadable — a tls.Config carries live material
	// (parsed certs, a CertPool) that has no sensible serialized form, so
	// callers set this field directly after LoadConfig.
	ClientTLS *tls.Config `yaml:"-"`
}

// DefaultConfig returns the spec's stated default timeouts and limits.
func DefaultConfig() *Config {
	return &Config{
		ServerHandshakeInactivity: 10 * time.Second,
		SourceGateRejectDelay:     3 * time.Second,

		ClientPhaseTimeout:    10 * time.Second,
		ClientDialTimeout:     3 * time.Second,
		ClientDialAttempts:    3,
		ClientDialBackoffStep: time.Second,

		ServerForwardDialTimeout:  time.Second,
		ServerForwardDialAttempts: 3,

		ChannelReplyTimeout: 45 * time.Second,
		LivelinessTimeout:   3 * time.Second,
		ReadLoopTimeout:     60 * time.Second,
		ReconnectBackoff:    30 * time.Second,

		RelayChunkSize: 2048,

		ChannelPoolSize: 8,

		BindRetryInterval: 5 * time.Second,
		ReaderBufferLimit: 110 * 1024 * 1024,
	}
}

// LoadConfig parses YAML bytes over a copy of DefaultConfig, so any field the
// document omits keeps its spec-mandated default.
func LoadConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
