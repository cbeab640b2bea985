package source

import (
	"net/http"
	"time"

	"github.com/go-kit/log"
)

// Options configures a Subgraph.
//
// Defaults:
//   - Timeout:       10s (used only if the incoming context has no deadline)
//   - MaxRetries:    2 (queries only; mutations and subscriptions never retry)
//   - RetryInterval: 50ms initial exponential backoff
//   - Breaker:       opens after 5 consecutive failures, half-opens after 10s
//   - Dedup:         identical in-flight queries share one request
//
// Provider must be set (WithEndpoints for a fixed list).
type Options struct {
	Provider EndpointProvider

	Timeout       time.Duration
	MaxRetries    uint
	RetryInterval time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Dedup bool

	// SubscriptionURL overrides the websocket endpoint. Empty means the
	// fetch endpoint with its scheme switched to ws/wss.
	SubscriptionURL string

	HTTPClient *http.Client
	Logger     log.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryInterval:   50 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
		Dedup:           true,
		HTTPClient:      http.DefaultClient,
		Logger:          log.NewNopLogger(),
	}
}

func WithProvider(p EndpointProvider) Option   { return func(o *Options) { o.Provider = p } }
func WithTimeout(d time.Duration) Option       { return func(o *Options) { o.Timeout = d } }
func WithMaxRetries(n uint) Option             { return func(o *Options) { o.MaxRetries = n } }
func WithRetryInterval(d time.Duration) Option { return func(o *Options) { o.RetryInterval = d } }
func WithDedup(enable bool) Option             { return func(o *Options) { o.Dedup = enable } }
func WithSubscriptionURL(u string) Option      { return func(o *Options) { o.SubscriptionURL = u } }
func WithHTTPClient(c *http.Client) Option     { return func(o *Options) { o.HTTPClient = c } }
func WithLogger(l log.Logger) Option           { return func(o *Options) { o.Logger = l } }

// WithBreaker opens the circuit after failures consecutive failures and
// lets a probe through after timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(o *Options) {
		o.BreakerFailures = failures
		o.BreakerTimeout = timeout
	}
}

// WithEndpoints serves the subgraph from a fixed list of URLs.
func WithEndpoints(urls ...string) Option {
	return func(o *Options) { o.Provider = staticList(urls) }
}
