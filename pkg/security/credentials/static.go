package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider returns a fixed value. Meant for tests and local
// development fallbacks, never for production secrets.
type StaticProvider struct {
	value     string
	expiresAt time.Time
}

// NewStaticProvider wraps value. A non-zero ttl bounds its validity; a
// negative ttl yields an already-expired credential.
func NewStaticProvider(value string, ttl time.Duration) *StaticProvider {
	p := &StaticProvider{value: value}
	if ttl != 0 {
		p.expiresAt = time.Now().Add(ttl)
	}
	return p
}

func (p *StaticProvider) Resolve(ctx context.Context) (Credential, error) {
	c := Credential{Value: p.value, Source: "static", ExpiresAt: p.expiresAt}
	if p.value == "" {
		return Credential{}, fmt.Errorf("%w: static value is empty", ErrNotFound)
	}
	if c.Expired() {
		return Credential{}, fmt.Errorf("static credential expired at %s", p.expiresAt)
	}
	return c, nil
}

func (p *StaticProvider) Close() error { return nil }

// EnvProvider reads the value from an environment variable on every
// Resolve, so a restarted or re-exec'd process picks up rotated values.
type EnvProvider struct {
	name string
}

// NewEnvProvider reads from the environment variable name.
func NewEnvProvider(name string) *EnvProvider {
	return &EnvProvider{name: name}
}

func (p *EnvProvider) Resolve(ctx context.Context) (Credential, error) {
	value := os.Getenv(p.name)
	if value == "" {
		return Credential{}, fmt.Errorf("%w: environment variable %s is not set", ErrNotFound, p.name)
	}
	return Credential{Value: value, Source: "env:" + p.name}, nil
}

func (p *EnvProvider) Close() error { return nil }

// ChainProvider resolves from the first provider that has a value,
// trying each in order. A provider error other than ErrNotFound stops
// the chain: a misconfigured secret backend should fail loudly, not
// silently fall through to a development default.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider chains providers in resolution order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) Resolve(ctx context.Context) (Credential, error) {
	if len(p.providers) == 0 {
		return Credential{}, fmt.Errorf("%w: no providers configured", ErrNotFound)
	}
	var lastErr error
	for _, provider := range p.providers {
		cred, err := provider.Resolve(ctx)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Credential{}, err
		}
		lastErr = err
	}
	return Credential{}, lastErr
}

func (p *ChainProvider) Close() error {
	var firstErr error
	for _, provider := range p.providers {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
