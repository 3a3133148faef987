// Package xclid manages the per-account anti-fingerprint token generators.
//
// Generator construction may involve a remote fetch and is therefore
// retried, cached per username, and deduplicated so that concurrent callers
// for the same account share one in-flight build.
package xclid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quay/zlog"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is reported when a generator could not be built after the
// configured retries. Callers should abort the surrounding operation rather
// than penalize the account.
var ErrUnavailable = errors.New("xclid: generator unavailable")

// Generator derives the opaque per-request header value from the HTTP
// method and URL path.
//
// The derivation itself is platform lore and lives outside this module;
// implementations are injected via a [Factory].
type Generator interface {
	Calc(method, path string) (string, error)
}

// Factory builds a fresh Generator. It may perform remote fetches and may
// fail transiently.
type Factory func(ctx context.Context) (Generator, error)

const (
	buildTries   = 3
	buildSpacing = 1 * time.Second
)

// Source caches one Generator per username.
type Source struct {
	factory Factory
	sf      singleflight.Group

	mu    sync.Mutex
	cache map[string]Generator
}

// NewSource returns a Source backed by the given factory.
func NewSource(f Factory) *Source {
	return &Source{
		factory: f,
		cache:   make(map[string]Generator),
	}
}

// Header computes the header value for one request. With fresh set, the
// cached generator for username is discarded and rebuilt first; callers do
// this after the remote signals a stale token with a 404.
func (s *Source) Header(ctx context.Context, username, method, path string, fresh bool) (string, error) {
	gen, err := s.get(ctx, username, fresh)
	if err != nil {
		return "", err
	}
	v, err := gen.Calc(method, path)
	if err != nil {
		return "", fmt.Errorf("xclid: calc for %q: %w", username, err)
	}
	return v, nil
}

// Forget drops the cached generator for username.
func (s *Source) Forget(username string) {
	s.mu.Lock()
	delete(s.cache, username)
	s.mu.Unlock()
}

func (s *Source) get(ctx context.Context, username string, fresh bool) (Generator, error) {
	s.mu.Lock()
	if gen, ok := s.cache[username]; ok && !fresh {
		s.mu.Unlock()
		return gen, nil
	}
	s.mu.Unlock()

	// Concurrent rebuilds for one username collapse to a single build.
	v, err, _ := s.sf.Do(username, func() (any, error) {
		gen, err := s.build(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[username] = gen
		s.mu.Unlock()
		return gen, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v.(Generator), nil
}

func (s *Source) build(ctx context.Context) (Generator, error) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(buildSpacing), buildTries-1),
		ctx)
	return backoff.RetryWithData(func() (Generator, error) {
		gen, err := s.factory(ctx)
		if err != nil {
			zlog.Debug(ctx).Err(err).Msg("transaction-id generator build failed, retrying")
			return nil, err
		}
		return gen, nil
	}, bo)
}
