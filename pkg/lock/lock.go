// Package lock provides advisory bootstrap locks. A lock only keeps two runs
// from working on the same environment at once; correctness never depends on
// it because every create is preceded by a probe.
package lock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

// DefaultTTL is how long a lock is honored when its holder never releases it.
const DefaultTTL = 30 * time.Minute

// Holder is the record stored for a held lock.
type Holder struct {
	RunID       string    `json:"run_id"`
	Operation   string    `json:"operation"`
	Environment string    `json:"environment"`
	AccountID   string    `json:"account_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newHolder(req bootstrap.LockRequest, now time.Time, ttl time.Duration) Holder {
	return Holder{
		RunID:       req.RunID,
		Operation:   req.Operation,
		Environment: req.Environment,
		AccountID:   req.AccountID,
		AcquiredAt:  now.UTC(),
		ExpiresAt:   now.UTC().Add(ttl),
	}
}

// Expired reports whether the holder's lease ran out at now.
func (h Holder) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

func (h Holder) encode() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "marshal lock holder")
	}
	return b, nil
}

func decodeHolder(b []byte) (Holder, error) {
	var h Holder
	if err := json.Unmarshal(b, &h); err != nil {
		return Holder{}, errors.Wrap(err, "parse lock holder")
	}
	return h, nil
}

// lockKey is the lock name of an environment. Names are scoped by account.
func lockKey(req bootstrap.LockRequest) string {
	return req.AccountID + "/" + req.Environment
}

func lockedBy(req bootstrap.LockRequest, h Holder) error {
	return bootstrap.Errorf(bootstrap.KindLocked, "environment %s is locked by run %s (%s, expires %s)",
		req.Environment, h.RunID, h.Operation, h.ExpiresAt.Format(time.RFC3339)).
		WithRetrySafe(true)
}

// Memory is a process-local lock. It serializes runs of one process, such as
// parallel bootstraps of a multi-environment run.
type Memory struct {
	mu   sync.Mutex
	held map[string]Holder
	ttl  time.Duration
	now  func() time.Time
}

var _ bootstrap.Locker = (*Memory)(nil)

// NewMemory creates a process-local lock.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{held: map[string]Holder{}, ttl: ttl, now: time.Now}
}

// Acquire implements bootstrap.Locker.
func (m *Memory) Acquire(ctx context.Context, req bootstrap.LockRequest) (bootstrap.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := lockKey(req)
	if h, ok := m.held[key]; ok && !h.Expired(now) {
		return nil, lockedBy(req, h)
	}
	m.held[key] = newHolder(req, now, m.ttl)
	return &memoryLease{m: m, key: key, runID: req.RunID}, nil
}

type memoryLease struct {
	m     *Memory
	key   string
	runID string
}

// Release implements bootstrap.Lease. A lease taken over after expiry is left
// to its new holder.
func (l *memoryLease) Release(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if h, ok := l.m.held[l.key]; ok && h.RunID == l.runID {
		delete(l.m.held, l.key)
	}
	return nil
}
