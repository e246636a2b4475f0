package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/kvadmin/internal/faults"
)

// fakeReplica answers IsAuthoritativeMaster from a script and fails every
// other call
type fakeReplica struct {
	API
	mu      sync.Mutex
	master  bool
	down    bool
	calls   int
	becomes int
}

func (f *fakeReplica) IsAuthoritativeMaster(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return false, faults.New(faults.ClassConnectivity, faults.CodeCannotContactAdmin, "cannot contact admin")
	}
	if f.becomes > 0 && f.calls >= f.becomes {
		f.master = true
	}
	return f.master, nil
}

func testConfig() Config {
	return Config{MasterTimeout: time.Second, PollInterval: time.Millisecond}
}

func TestConnectorMaster(t *testing.T) {
	ctx := context.Background()

	t.Run("first authoritative replica wins", func(t *testing.T) {
		a, b := &fakeReplica{}, &fakeReplica{master: true}
		c := NewConnector([]API{a, b}, testConfig(), zaptest.NewLogger(t))
		m, err := c.Master(ctx)
		require.NoError(t, err)
		assert.Same(t, b, m)
	})

	t.Run("no replica reachable", func(t *testing.T) {
		c := NewConnector([]API{&fakeReplica{down: true}}, testConfig(), zaptest.NewLogger(t))
		_, err := c.Master(ctx)
		assert.True(t, faults.HasCode(err, faults.CodeNoAdminReachable))
	})

	t.Run("no master elected", func(t *testing.T) {
		c := NewConnector([]API{&fakeReplica{}, &fakeReplica{down: true}}, testConfig(), zaptest.NewLogger(t))
		_, err := c.Master(ctx)
		assert.True(t, faults.HasCode(err, faults.CodeNoMaster))
		assert.True(t, faults.IsLeadershipTransient(err))
	})

	t.Run("no replicas", func(t *testing.T) {
		_, err := NewConnector(nil, testConfig(), nil).Master(ctx)
		assert.True(t, faults.Is(err, faults.ClassConnectivity))
	})
}

func TestWaitForMaster(t *testing.T) {
	ctx := context.Background()
	late := &fakeReplica{becomes: 5}
	c := NewConnector([]API{&fakeReplica{down: true}, late}, testConfig(), zaptest.NewLogger(t))

	m, err := c.WaitForMaster(ctx, time.Second)
	require.NoError(t, err)
	assert.Same(t, late, m)

	c = NewConnector([]API{&fakeReplica{}}, testConfig(), zaptest.NewLogger(t))
	_, err = c.WaitForMaster(ctx, 10*time.Millisecond)
	assert.True(t, faults.Is(err, faults.ClassNotReady))
}

func TestConnectorDo(t *testing.T) {
	ctx := context.Background()
	m := &fakeReplica{master: true}
	c := NewConnector([]API{m}, testConfig(), zaptest.NewLogger(t))

	t.Run("retries leadership faults", func(t *testing.T) {
		calls := 0
		err := c.Do(ctx, func(api API) error {
			calls++
			if calls < 3 {
				return faults.NotMaster("admin2 is the master")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other faults", func(t *testing.T) {
		calls := 0
		err := c.Do(ctx, func(api API) error {
			calls++
			return faults.IllegalCommand(faults.CodeInvalidState, "cannot approve")
		})
		assert.True(t, faults.HasCode(err, faults.CodeInvalidState))
		assert.Equal(t, 1, calls)
	})
}
