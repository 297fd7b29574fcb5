package pusher

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaywire/pusherclient/internal/auth"
	"github.com/relaywire/pusherclient/internal/conn"
	"github.com/relaywire/pusherclient/internal/wstransport"
)

// Options configures a Client. Zero-value fields are filled in by
// DefaultOptions; NewClient calls Validate before doing anything else.
type Options struct {
	// Cluster selects the default host ws-{cluster}.pusher.com. Ignored if
	// WSHost is set.
	Cluster string

	// WSHost, WSPort, UseTLS override the endpoint directly.
	WSHost string
	WSPort int
	UseTLS bool

	// AuthEndpoint authorizes private and private-encrypted channels.
	// UserAuthEndpoint, if set, authorizes presence channels instead;
	// otherwise AuthEndpoint is reused for presence too.
	AuthEndpoint     string
	UserAuthEndpoint string

	// AppSecret, when set, makes the client sign subscriptions locally with
	// auth.SecretFetcher instead of calling AuthEndpoint over HTTP.
	AppSecret string

	// ActivityTimeout and PongTimeout bound the heartbeat: no traffic for
	// ActivityTimeout triggers a ping; no pong within PongTimeout drops the
	// connection. The server's own activity_timeout, if sent, overrides
	// ActivityTimeout for the life of that connection.
	ActivityTimeout time.Duration
	PongTimeout     time.Duration

	// Reconnect policy.
	DisableReconnection     bool
	MaxReconnectionAttempts int
	ReconnectionDelay       time.Duration
	MaxReconnectionDelay    time.Duration

	// SendRateLimit throttles the outbound backlog flushed after a
	// reconnect. Nil (the default) applies no throttling.
	SendRateLimit *rate.Limiter

	// Delta compression.
	EnableDeltaCompression bool
	DeltaAlgorithms        []string // e.g. {"vcdiff", "fossil"}; order is a priority list
	DeltaDebug             bool
	MaxMessagesPerKey      int

	// Debug raises the client's log level to Debug; otherwise Info.
	Debug bool

	// Transport, if non-nil, replaces the default gorilla/websocket
	// transport. AuthFetcher, if non-nil, replaces the default HTTP or
	// secret-signing fetcher. Both exist primarily for tests.
	Transport   wstransport.Transport
	AuthFetcher auth.Fetcher

	// HTTPClient is used to build the default auth.HTTPFetcher when
	// AuthFetcher is nil. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	d := conn.DefaultOptions()
	return Options{
		ActivityTimeout:      d.ActivityTimeout,
		PongTimeout:          d.PongTimeout,
		ReconnectionDelay:    d.ReconnectionDelay,
		MaxReconnectionDelay: d.MaxReconnectionDelay,
		MaxMessagesPerKey:    10,
		WSPort:               443,
		UseTLS:               true,
	}
}

// Validate reports a non-nil ErrConfiguration-wrapped error for any
// combination NewClient cannot act on.
func (o Options) Validate(appKey string) error {
	if appKey == "" {
		return fmt.Errorf("%w: app key must not be empty", ErrConfiguration)
	}
	if o.Cluster == "" && o.WSHost == "" {
		return fmt.Errorf("%w: one of Cluster or WSHost must be set", ErrConfiguration)
	}
	if o.ActivityTimeout < 0 || o.PongTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrConfiguration)
	}
	if o.MaxReconnectionAttempts < 0 {
		return fmt.Errorf("%w: max reconnection attempts must not be negative", ErrConfiguration)
	}
	for _, alg := range o.DeltaAlgorithms {
		if alg != "fossil" && alg != "vcdiff" {
			return fmt.Errorf("%w: unknown delta algorithm %q", ErrConfiguration, alg)
		}
	}
	return nil
}

func (o Options) host() string {
	if o.WSHost != "" {
		return o.WSHost
	}
	return fmt.Sprintf("ws-%s.pusher.com", o.Cluster)
}

func (o Options) port() int {
	if o.WSPort != 0 {
		return o.WSPort
	}
	return 443
}

func (o Options) wsURL(appKey string) string {
	scheme := "ws"
	if o.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/app/%s?protocol=7&client=pusherclient-go&version=1.0.0", scheme, o.host(), o.port(), appKey)
}
