package optimization

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vnykmshr/bucketflow/internal/testutil"
	"github.com/vnykmshr/bucketflow/pkg/async"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

// memoryExecutor is a single bucket backend evaluating commands in process.
type memoryExecutor struct {
	clock *testutil.MockClock

	mu    sync.Mutex
	state *command.RemoteBucketState
	sent  []command.Command

	// gate, when set, blocks every request until it is closed.
	gate chan struct{}
	// entered receives a value whenever a request reaches the executor.
	entered chan struct{}
}

func newMemoryExecutor(t *testing.T, clock *testutil.MockClock, bandwidths ...bucket.Bandwidth) *memoryExecutor {
	t.Helper()
	cfg := bucket.MustConfiguration(bandwidths...)
	return &memoryExecutor{
		clock:   clock,
		state:   command.NewRemoteBucketState(cfg, clock.Nanos()),
		entered: make(chan struct{}, 64),
	}
}

func (m *memoryExecutor) Execute(ctx context.Context, cmd command.Command) (command.CommandResult, error) {
	select {
	case m.entered <- struct{}{}:
	default:
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return command.CommandResult{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, cmd)
	out := command.Execute(cmd, m.state, m.clock.Nanos())
	if out.Modified {
		m.state = out.State
	}
	return out.Result, nil
}

func (m *memoryExecutor) async() command.AsyncCommandExecutor {
	return command.AsyncExecutorFunc(func(ctx context.Context, cmd command.Command) *async.Future[command.CommandResult] {
		return async.Go(ctx, nil, func(ctx context.Context) (command.CommandResult, error) {
			return m.Execute(ctx, cmd)
		})
	})
}

func (m *memoryExecutor) requests() []command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.Command(nil), m.sent...)
}

func (m *memoryExecutor) available() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state.Copy()
	st.Refill(m.clock.Nanos())
	return st.AvailableTokens()
}

// countingListener records listener events.
type countingListener struct {
	mu     sync.Mutex
	merges int64
	skips  int64
}

func (l *countingListener) IncrementMergeCount(n int64) {
	l.mu.Lock()
	l.merges += n
	l.mu.Unlock()
}

func (l *countingListener) IncrementSkipCount(n int64) {
	l.mu.Lock()
	l.skips += n
	l.mu.Unlock()
}

func (l *countingListener) counts() (int64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.merges, l.skips
}

func tryConsume(t *testing.T, e command.CommandExecutor, n int64) bool {
	t.Helper()
	res, err := e.Execute(context.Background(), command.TryConsume{Tokens: n})
	testutil.AssertNoError(t, err)
	ok, _ := res.Data.(bool)
	return ok
}

func waitEntered(t *testing.T, m *memoryExecutor) {
	t.Helper()
	select {
	case <-m.entered:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("request never reached the executor")
	}
}
