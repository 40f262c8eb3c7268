// Package retry maps a failure class and attempt count to a backoff delay and
// decides when an item has exhausted its retry budget.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/queue"
)

const DefaultJitterRatio = 0.2

type KindConfig struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	MaxDelay   time.Duration `json:"maxDelay"`
}

type Config struct {
	Network     KindConfig `json:"network"`
	Auth        KindConfig `json:"auth"`
	RateLimit   KindConfig `json:"rateLimit"`
	Unknown     KindConfig `json:"unknown"`
	JitterRatio float64    `json:"jitterRatio"`
}

func DefaultConfig() Config {
	return Config{
		Network:     KindConfig{MaxRetries: 10, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute},
		Auth:        KindConfig{MaxRetries: 2, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		RateLimit:   KindConfig{MaxRetries: 20, BaseDelay: 60 * time.Second, MaxDelay: 30 * time.Minute},
		Unknown:     KindConfig{MaxRetries: 5, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		JitterRatio: DefaultJitterRatio,
	}
}

// For returns the settings for kind. Anything that is not a known kind is
// treated as unknown.
func (c Config) For(kind queue.ErrorKind) KindConfig {
	switch kind {
	case queue.ErrorKindNetwork:
		return c.Network
	case queue.ErrorKindAuth:
		return c.Auth
	case queue.ErrorKindRateLimit:
		return c.RateLimit
	default:
		return c.Unknown
	}
}

// normalized fills zero or invalid fields from the defaults.
func (c Config) normalized() Config {
	defaults := DefaultConfig()
	c.Network = c.Network.orDefault(defaults.Network)
	c.Auth = c.Auth.orDefault(defaults.Auth)
	c.RateLimit = c.RateLimit.orDefault(defaults.RateLimit)
	c.Unknown = c.Unknown.orDefault(defaults.Unknown)
	c.JitterRatio = ClampJitterRatio(c.JitterRatio)
	return c
}

func (k KindConfig) orDefault(fallback KindConfig) KindConfig {
	if k.MaxRetries <= 0 {
		k.MaxRetries = fallback.MaxRetries
	}
	if k.BaseDelay <= 0 {
		k.BaseDelay = fallback.BaseDelay
	}
	if k.MaxDelay <= 0 {
		k.MaxDelay = fallback.MaxDelay
	}
	if k.MaxDelay < k.BaseDelay {
		k.MaxDelay = k.BaseDelay
	}
	return k
}

// Decision is the outcome for one failed attempt.
type Decision struct {
	Kind      queue.ErrorKind
	Retry     bool
	Delay     time.Duration
	Exhausted bool
}

type Policy struct {
	mu     sync.RWMutex
	cfg    Config
	sample func() float64
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{
		cfg:    cfg.normalized(),
		sample: rand.Float64,
	}
}

func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.normalized()
}

// SetSampler replaces the jitter source. Samples are expected in [0, 1].
func (p *Policy) SetSampler(sample func() float64) {
	if sample == nil {
		sample = rand.Float64
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sample = sample
}

// CalculateDelay returns min(BaseDelay * 2^attempt, MaxDelay) without jitter.
func (p *Policy) CalculateDelay(kind queue.ErrorKind, attempt int) time.Duration {
	return backoff(p.Config().For(kind), attempt)
}

// Decide applies jitter to the backoff, lets a longer server hint win, caps
// the result at MaxDelay and reports exhaustion once attempt+1 reaches
// MaxRetries. attempt is the count before this failure.
func (p *Policy) Decide(kind queue.ErrorKind, attempt int, retryAfter time.Duration) Decision {
	if !kind.Valid() {
		kind = queue.ErrorKindUnknown
	}
	p.mu.RLock()
	cfg := p.cfg
	sample := p.sample
	p.mu.RUnlock()

	kc := cfg.For(kind)
	if attempt < 0 {
		attempt = 0
	}
	if attempt+1 >= kc.MaxRetries {
		return Decision{Kind: kind, Exhausted: true}
	}
	delay := JitteredInterval(backoff(kc, attempt), cfg.JitterRatio, sample())
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > kc.MaxDelay {
		delay = kc.MaxDelay
	}
	return Decision{Kind: kind, Retry: true, Delay: delay}
}

func backoff(kc KindConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := kc.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay >= kc.MaxDelay {
			return kc.MaxDelay
		}
		delay *= 2
	}
	if delay > kc.MaxDelay {
		return kc.MaxDelay
	}
	return delay
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio. sample 0 gives the
// lower bound, 0.5 the base and 1 the upper bound.
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
