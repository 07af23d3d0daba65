package testutil

import (
	"sync"
	"time"
)

// MockClock is a manually driven clock for rate limiter tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new MockClock starting at the given time.
// If zero time is provided, the clock starts at the Unix epoch.
func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &MockClock{now: start}
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Nanos returns the current mock time as Unix nanoseconds.
func (m *MockClock) Nanos() int64 {
	return m.Now().UnixNano()
}

// Advance moves the mock clock forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock clock to a specific time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
