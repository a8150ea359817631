package redis

import (
	"context"

	"github.com/amyangfei/redlock-go/v3/redlock"
)

// LockFactory creates distributed job locks.
type LockFactory interface {
	JobLock(jobName string) JobLock
}

// RedisLockFactory creates Redis-backed job locks.
type RedisLockFactory struct {
	lockManager *redlock.RedLock
}

// NewRedisLockFactory creates new Redis lock factory
func NewRedisLockFactory(lockManager *redlock.RedLock) *RedisLockFactory {
	return &RedisLockFactory{
		lockManager: lockManager,
	}
}

// JobLock creates a distributed lock for one named job.
func (f *RedisLockFactory) JobLock(jobName string) JobLock {
	return NewDistributedLock(f.lockManager, jobName)
}

// MockLockFactory for testing (always succeeds)
type MockLockFactory struct{}

// NewMockLockFactory creates mock lock factory for tests
func NewMockLockFactory() *MockLockFactory {
	return &MockLockFactory{}
}

// JobLock creates a mock lock that always succeeds.
func (f *MockLockFactory) JobLock(jobName string) JobLock {
	return &MockLock{jobName: jobName}
}

// MockLock is a no-op lock for testing
type MockLock struct {
	jobName string
}

func (l *MockLock) TryAcquire(ctx context.Context) (bool, error) {
	return true, nil
}

func (l *MockLock) Release(ctx context.Context) error {
	return nil
}

func (l *MockLock) Held(ctx context.Context) (bool, error) {
	return true, nil
}

func (l *MockLock) Name() string {
	return l.jobName
}
