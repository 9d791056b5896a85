package roomsync

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/parley-im/roomsync/chatapi"
	"github.com/parley-im/roomsync/live"
	"github.com/parley-im/roomsync/pubsub"
	"github.com/parley-im/roomsync/session"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type Config struct {
	// Base URL of the chat REST API e.g https://chat.example.com/api
	ServerURL string
	// URL of the live channel websocket e.g wss://chat.example.com/ws
	WebsocketURL string
	AccessToken  string
	UserID       string

	EchoWait      time.Duration
	EchoTolerance time.Duration
	HistoryLimit  int
	// Timeout for each REST request. Zero means 30s.
	HTTPTimeout time.Duration
	// How many notifications can queue up before publishing blocks.
	NotificationBuffer int
	// Where to register metrics. Nil means the default registerer.
	Registerer prometheus.Registerer
}

// Client is a conversation session wired to a chat server.
type Client struct {
	Session  *session.Session
	pubSub   *pubsub.PubSub
	notifier *pubsub.PromNotifier
}

// New builds a Client. Call Subscribe to receive change notifications, and Close when done.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("roomsync: missing server URL")
	}
	if cfg.WebsocketURL == "" {
		return nil, errors.New("roomsync: missing websocket URL")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 100
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	chatapi.Version = Version
	client := &chatapi.HTTPClient{
		Client: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL:     cfg.ServerURL,
		AccessToken: cfg.AccessToken,
	}
	dialer := &live.WSDialer{
		URL:         cfg.WebsocketURL,
		AccessToken: cfg.AccessToken,
	}
	ps := pubsub.NewPubSub(cfg.NotificationBuffer)
	notifier, err := pubsub.NewPromNotifier(ps, "session", cfg.Registerer)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(session.Config{
		UserID:        cfg.UserID,
		EchoWait:      cfg.EchoWait,
		EchoTolerance: cfg.EchoTolerance,
		HistoryLimit:  cfg.HistoryLimit,
		Registerer:    cfg.Registerer,
	}, client, dialer, notifier)
	if err != nil {
		notifier.Close()
		return nil, err
	}
	logger.Debug().Str("server", cfg.ServerURL).Str("ws", cfg.WebsocketURL).Str("user", cfg.UserID).Msg("client ready")
	return &Client{
		Session:  sess,
		pubSub:   ps,
		notifier: notifier,
	}, nil
}

// Subscribe returns a subscription which calls recv for every session change once Listen is called.
// There can only be one subscription per Client.
func (c *Client) Subscribe(recv pubsub.SessionListener) *pubsub.SessionSub {
	return pubsub.NewSessionSub(c.pubSub, recv)
}

// Close leaves the current room and stops notifications. Listen on the subscription returns.
func (c *Client) Close() {
	c.Session.Close()
	c.notifier.Close()
}
