// Package connmgr manages pooled MongoDB client connections and wraps
// operations against them with health probing, error classification, and
// linear-backoff retry.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Kind classifies an error returned by a database operation.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindNotFound
)

// transientCodes are MongoDB server error codes that indicate a
// retryable condition: network blips, timeouts, and replica set
// topology changes in progress.
var transientCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
}

var permanentCodes = map[int32]bool{
	18:  true, // AuthenticationFailed
	13:  true, // Unauthorized
	73:  true, // InvalidNamespace
}

// Classify inspects err and reports whether a retry is worth attempting.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return KindNotFound
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return KindTransient
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if permanentCodes[cmdErr.Code] {
			return KindPermanent
		}
		if transientCodes[cmdErr.Code] || cmdErr.HasErrorLabel("TransientTransactionError") {
			return KindTransient
		}
	}

	return KindPermanent
}

// Manager pools one *mongo.Client per connection URI and wraps
// operations with retry and health probing.
type Manager struct {
	log *slog.Logger

	retryLimit int
	retryDelay time.Duration

	connectTimeout time.Duration
	maxPoolSize    uint64

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// New builds a Manager. retryLimit is the number of attempts (including
// the first) made before an operation is abandoned; retryDelay is the
// linear backoff unit (attempt N sleeps retryDelay*N before attempt
// N+1).
func New(log *slog.Logger, retryLimit int, retryDelay, connectTimeout time.Duration, maxPoolSize uint64) *Manager {
	if maxPoolSize == 0 {
		maxPoolSize = 50
	}
	return &Manager{
		log:            log,
		retryLimit:     retryLimit,
		retryDelay:     retryDelay,
		connectTimeout: connectTimeout,
		maxPoolSize:    maxPoolSize,
		clients:        make(map[string]*mongo.Client),
	}
}

// Client returns the pooled *mongo.Client for uri, dialing and pinging
// it on first use.
func (m *Manager) Client(ctx context.Context, uri string) (*mongo.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[uri]; ok {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri).SetMaxPoolSize(m.maxPoolSize))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", uri, err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging %s: %w", uri, err)
	}

	m.clients[uri] = client
	m.log.Info("connected", "uri", uri)
	return client, nil
}

// Close disconnects every pooled client.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for uri, c := range m.clients {
		if err := c.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnecting %s: %w", uri, err)
		}
	}
	m.clients = make(map[string]*mongo.Client)
	return firstErr
}

// Retry runs op, retrying transient failures with linear backoff up to
// m.retryLimit attempts. It gives up immediately on a permanent or
// not-found classification.
func (m *Manager) Retry(ctx context.Context, opName string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.retryLimit; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		if kind != KindTransient {
			return err
		}

		m.log.Warn("transient error, retrying", "op", opName, "attempt", attempt, "error", err)
		if attempt == m.retryLimit {
			break
		}

		delay := m.retryDelay * time.Duration(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: exhausted %d attempts: %w", opName, m.retryLimit, lastErr)
}
