package sockjshttp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport names as they appear in URLs.
const (
	TransportWebSocket    = "websocket"
	TransportXHR          = "xhr"
	TransportXHRStreaming = "xhr_streaming"
	TransportEventSource  = "eventsource"
	TransportHTMLFile     = "htmlfile"
	TransportJSONP        = "jsonp"
	TransportRawWebSocket = "rawwebsocket"
)

// Config holds the server settings. Defaults can be loaded from the
// environment with ConfigFromEnv.
type Config struct {
	// Prefix is the URL path the server is mounted at. ENV: SOCKJS_PREFIX
	Prefix string `env:"SOCKJS_PREFIX,default=/sockjs"`
	// DisconnectDelay is how long a session without an attached transport
	// is kept. ENV: SOCKJS_DISCONNECT_DELAY
	DisconnectDelay time.Duration `env:"SOCKJS_DISCONNECT_DELAY,default=5s"`
	// HeartbeatDelay is the data-silence interval before a heartbeat frame
	// (or, for raw WebSockets, a ping) is sent. ENV: SOCKJS_HEARTBEAT_DELAY
	HeartbeatDelay time.Duration `env:"SOCKJS_HEARTBEAT_DELAY,default=25s"`
	// SessionCheckInterval is the registry sweep period.
	// ENV: SOCKJS_SESSION_CHECK_INTERVAL
	SessionCheckInterval time.Duration `env:"SOCKJS_SESSION_CHECK_INTERVAL,default=1s"`
	// ResponseLimit is the number of bytes a streaming response may carry
	// before it is closed and the client reconnects. ENV: SOCKJS_RESPONSE_LIMIT
	ResponseLimit int `env:"SOCKJS_RESPONSE_LIMIT,default=131072"`
	// ImmediateFlush disables send coalescing. ENV: SOCKJS_IMMEDIATE_FLUSH
	ImmediateFlush bool `env:"SOCKJS_IMMEDIATE_FLUSH,default=false"`
	// HeartbeatCheckDelay is how long a raw WebSocket peer has to answer a
	// ping. ENV: SOCKJS_HEARTBEAT_CHECK_DELAY
	HeartbeatCheckDelay time.Duration `env:"SOCKJS_HEARTBEAT_CHECK_DELAY,default=10s"`
	// DisabledTransports is a comma separated list of transport names that
	// are not routed. ENV: SOCKJS_DISABLED_TRANSPORTS
	DisabledTransports string `env:"SOCKJS_DISABLED_TRANSPORTS"`
	// SessionCookie enables the JSESSIONID cookie used by load balancers
	// for sticky routing. ENV: SOCKJS_SESSION_COOKIE
	SessionCookie bool `env:"SOCKJS_SESSION_COOKIE,default=false"`
	// OriginPatterns is a comma separated list of host patterns accepted
	// for cross origin WebSocket upgrades. ENV: SOCKJS_ORIGIN_PATTERNS
	OriginPatterns string `env:"SOCKJS_ORIGIN_PATTERNS"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:               "/sockjs",
		DisconnectDelay:      5 * time.Second,
		HeartbeatDelay:       25 * time.Second,
		SessionCheckInterval: time.Second,
		ResponseLimit:        128 * 1024,
		HeartbeatCheckDelay:  10 * time.Second,
	}
}

// ConfigFromEnv builds a Config using envdecode. Unset variables take the
// defaults from the struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode sockjs config: %w", err)
	}
	return cfg, nil
}

// withDefaults fills zero fields from DefaultConfig. It must be applied once.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	if c.Prefix == "/" {
		c.Prefix = ""
	}
	if c.DisconnectDelay <= 0 {
		c.DisconnectDelay = def.DisconnectDelay
	}
	// A negative heartbeat delay disables heartbeats.
	switch {
	case c.HeartbeatDelay == 0:
		c.HeartbeatDelay = def.HeartbeatDelay
	case c.HeartbeatDelay < 0:
		c.HeartbeatDelay = 0
	}
	if c.SessionCheckInterval <= 0 {
		c.SessionCheckInterval = def.SessionCheckInterval
	}
	if c.ResponseLimit <= 0 {
		c.ResponseLimit = def.ResponseLimit
	}
	if c.HeartbeatCheckDelay <= 0 {
		c.HeartbeatCheckDelay = def.HeartbeatCheckDelay
	}
	return c
}

func (c Config) disabled() map[string]bool {
	return toSet(splitList(c.DisabledTransports))
}

func (c Config) originPatterns() []string {
	return splitList(c.OriginPatterns)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
