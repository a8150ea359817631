package redis

import "context"

// JobLock is a distributed mutual exclusion handle for singleton jobs
// (expiry sweeper, startup migrations) across replicas. Implementations
// may back it with Redis, Postgres advisory locks, etcd, etc.
type JobLock interface {
	// TryAcquire attempts to take the lock. Returns false when another
	// replica holds it.
	TryAcquire(ctx context.Context) (bool, error)

	// Release releases the lock.
	Release(ctx context.Context) error

	// Held verifies the lock is still ours.
	Held(ctx context.Context) (bool, error)

	// Name returns the job name the lock guards.
	Name() string
}
