package ratelimiter

import (
	"math"
	"net/http"
	"strconv"
)

// KeyFunc extracts a unique identifier from an HTTP request.
//
// The identifier is used to track individual clients for rate limiting,
// e.g. the client's IP address or an API key header.
type KeyFunc func(r *http.Request) (string, error)

// ErrorHandler handles a client request after a rate limit is exceeded.
//
// This allows custom responses, e.g., JSON bodies, extra headers, or logging.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error, result Result)

// Config holds the configurable options shared by the HTTP middleware
// adapters (middleware/nethttp, middleware/gin).
//
// Create one via NewConfig and the ConfigOption functions.
type Config struct {
	KeyFunc      KeyFunc
	ErrorHandler ErrorHandler
	Logger       Logger
}

// ConfigOption is a functional option for the middleware Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with default settings, then applies any provided
// options. The defaults key by remote address, answer 429 with a Retry-After
// header, and log nothing.
func NewConfig(opts ...ConfigOption) *Config {
	cfg := &Config{
		KeyFunc: func(r *http.Request) (string, error) {
			return r.RemoteAddr, nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error, result Result) {
			retryAfter := int(math.Ceil(result.ResetAfter.Seconds()))
			if retryAfter <= 0 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
		Logger: &noopLogger{},
	}

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithKeyFunc sets a custom KeyFunc.
func WithKeyFunc(f KeyFunc) ConfigOption {
	return func(c *Config) {
		if f != nil {
			c.KeyFunc = f
		}
	}
}

// WithErrorHandler sets a custom ErrorHandler.
func WithErrorHandler(f ErrorHandler) ConfigOption {
	return func(c *Config) {
		if f != nil {
			c.ErrorHandler = f
		}
	}
}

// WithMiddlewareLogger sets the logger used by the middleware adapters.
func WithMiddlewareLogger(l Logger) ConfigOption {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
