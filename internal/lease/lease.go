// Package lease serializes mutations of a single record across goroutines and,
// with the redis implementation, across processes.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leozw/certiroute/internal/core"
)

// Locker blocks until the lease for key is held or ctx is done. The returned
// release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

func DomainKey(fqdn string) string {
	return "lease:domain:" + fqdn
}

func CertificateKey(id string) string {
	return "lease:cert:" + id
}

func SlotKey(domainRecordID string, port int) string {
	return fmt.Sprintf("lease:slot:%s:%d", domainRecordID, port)
}

// With runs fn while holding the lease for key.
func With(ctx context.Context, l Locker, key string, ttl time.Duration, fn func() error) error {
	release, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return core.E(core.KindExternalTransient, "lease", "record is busy: "+key, err)
	}
	defer release()
	return fn()
}

// Memory is a process-local Locker. The ttl is ignored; holders always
// release through the returned func.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]chan struct{})}
}

func (m *Memory) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	for {
		m.mu.Lock()
		wait, busy := m.held[key]
		if !busy {
			done := make(chan struct{})
			m.held[key] = done
			m.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
					close(done)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
