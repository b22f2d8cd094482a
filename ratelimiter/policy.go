package ratelimiter

import (
	"fmt"
	"time"
)

// PolicyConfig is the declarative description of a limiter.
//
// MaxRequests and Window define the policy's headline capacity; Parameters
// optionally override the algorithm-specific knobs. When Parameters omits
// them, bucket algorithms derive capacity = MaxRequests and
// refill/leak rate = MaxRequests per Window; window algorithms ignore
// Parameters entirely.
type PolicyConfig struct {
	// Name uniquely identifies the policy; it becomes part of every storage key.
	Name string
	// Algorithm is a case-insensitive algorithm name ("token_bucket",
	// "leaky-bucket", ...).
	Algorithm string
	// MaxRequests is the integer capacity in admits per window; must be > 0.
	MaxRequests int64
	// Window is the policy window; must be > 0.
	Window time.Duration
	// Parameters optionally carries "capacity", "refill_rate" and
	// "leak_rate" for the bucket algorithms.
	Parameters map[string]interface{}
}

// New builds a limiter from a declarative policy configuration, wired to the
// given store.
//
// Example:
//
//	limiter, err := ratelimiter.New(ratelimiter.PolicyConfig{
//	    Name:        "api",
//	    Algorithm:   "sliding-window",
//	    MaxRequests: 100,
//	    Window:      time.Minute,
//	}, store)
func New(cfg PolicyConfig, store Store, opts ...Option) (Limiter, error) {
	if err := validateName(cfg.Name); err != nil {
		return nil, err
	}
	if err := validateStore(store); err != nil {
		return nil, err
	}
	alg, err := ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRequests <= 0 {
		return nil, &ConfigError{Field: "max_requests", Value: cfg.MaxRequests, Reason: "must be > 0", Err: ErrOutOfRange}
	}
	if cfg.Window <= 0 {
		return nil, &ConfigError{Field: "window", Value: cfg.Window, Reason: "must be > 0", Err: ErrOutOfRange}
	}

	switch alg {
	case TokenBucket:
		capacity, err := paramFloat(cfg.Parameters, "capacity", float64(cfg.MaxRequests))
		if err != nil {
			return nil, err
		}
		refillRate, err := paramFloat(cfg.Parameters, "refill_rate", float64(cfg.MaxRequests)/cfg.Window.Seconds())
		if err != nil {
			return nil, err
		}
		l, err := NewTokenBucket(cfg.Name, store, capacity, refillRate, opts...)
		if err != nil {
			return nil, err
		}
		l.maxRequests = cfg.MaxRequests
		l.window = cfg.Window
		return l, nil

	case LeakyBucket:
		capacity, err := paramFloat(cfg.Parameters, "capacity", float64(cfg.MaxRequests))
		if err != nil {
			return nil, err
		}
		leakRate, err := paramFloat(cfg.Parameters, "leak_rate", float64(cfg.MaxRequests)/cfg.Window.Seconds())
		if err != nil {
			return nil, err
		}
		l, err := NewLeakyBucket(cfg.Name, store, int64(capacity), leakRate, opts...)
		if err != nil {
			return nil, err
		}
		l.maxRequests = cfg.MaxRequests
		l.window = cfg.Window
		return l, nil

	case FixedWindow:
		return NewFixedWindow(cfg.Name, store, cfg.MaxRequests, cfg.Window, opts...)

	case SlidingWindow:
		return NewSlidingWindow(cfg.Name, store, cfg.MaxRequests, cfg.Window, opts...)
	}

	return nil, &ConfigError{Field: "algorithm", Value: cfg.Algorithm, Reason: "unknown algorithm", Err: ErrInvalidArgument}
}

// NewByName is a convenience form of New for callers that do not build a
// PolicyConfig themselves.
func NewByName(name, algorithm string, maxRequests int64, window time.Duration, parameters map[string]interface{}, store Store, opts ...Option) (Limiter, error) {
	return New(PolicyConfig{
		Name:        name,
		Algorithm:   algorithm,
		MaxRequests: maxRequests,
		Window:      window,
		Parameters:  parameters,
	}, store, opts...)
}

// NewFromMap builds a limiter from an untyped configuration map, typically
// decoded from JSON or YAML. The map must carry "algorithm", "max_requests"
// and "window"; "parameters" is optional. Values are converted once here at
// the boundary; anything non-convertible fails with ErrInvalidArgument.
//
// A window can be a time.Duration, a duration string ("30s", "1m"), or a
// number of seconds.
func NewFromMap(name string, raw map[string]interface{}, store Store, opts ...Option) (Limiter, error) {
	algorithm, err := requireString(raw, "algorithm")
	if err != nil {
		return nil, err
	}
	maxRequests, err := requireInt(raw, "max_requests")
	if err != nil {
		return nil, err
	}
	window, err := requireWindow(raw, "window")
	if err != nil {
		return nil, err
	}

	var parameters map[string]interface{}
	if v, ok := raw["parameters"]; ok && v != nil {
		parameters, ok = v.(map[string]interface{})
		if !ok {
			return nil, &ConfigError{Field: "parameters", Value: v, Reason: "must be a map", Err: ErrInvalidArgument}
		}
	}

	return New(PolicyConfig{
		Name:        name,
		Algorithm:   algorithm,
		MaxRequests: maxRequests,
		Window:      window,
		Parameters:  parameters,
	}, store, opts...)
}

func requireString(raw map[string]interface{}, field string) (string, error) {
	v, ok := raw[field]
	if !ok {
		return "", &ConfigError{Field: field, Value: nil, Reason: "missing required key", Err: ErrInvalidArgument}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ConfigError{Field: field, Value: v, Reason: "must be a string", Err: ErrInvalidArgument}
	}
	return s, nil
}

func requireInt(raw map[string]interface{}, field string) (int64, error) {
	v, ok := raw[field]
	if !ok {
		return 0, &ConfigError{Field: field, Value: nil, Reason: "missing required key", Err: ErrInvalidArgument}
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, &ConfigError{Field: field, Value: v, Reason: "not convertible to an integer", Err: ErrInvalidArgument}
	}
	return n, nil
}

func requireWindow(raw map[string]interface{}, field string) (time.Duration, error) {
	v, ok := raw[field]
	if !ok {
		return 0, &ConfigError{Field: field, Value: nil, Reason: "missing required key", Err: ErrInvalidArgument}
	}
	switch w := v.(type) {
	case time.Duration:
		return w, nil
	case string:
		d, err := time.ParseDuration(w)
		if err != nil {
			return 0, &ConfigError{Field: field, Value: v, Reason: "not a parseable duration", Err: ErrInvalidArgument}
		}
		return d, nil
	default:
		seconds, err := toFloat64(v)
		if err != nil {
			return 0, &ConfigError{Field: field, Value: v, Reason: "not convertible to a duration", Err: ErrInvalidArgument}
		}
		return durationFromSeconds(seconds), nil
	}
}

// paramFloat reads an optional algorithm parameter, falling back to the
// derived default when absent.
func paramFloat(parameters map[string]interface{}, field string, def float64) (float64, error) {
	v, ok := parameters[field]
	if !ok {
		return def, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, &ConfigError{Field: field, Value: v, Reason: "not convertible to a number", Err: ErrInvalidArgument}
	}
	return f, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}
