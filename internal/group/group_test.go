package group

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/global-data-controller/kvadmin/internal/faults"
	"github.com/global-data-controller/kvadmin/internal/models"
)

const testDelay = 10 * time.Millisecond

func waitForLeader(t *testing.T, g *Group, want models.AdminID) uint64 {
	t.Helper()
	var term uint64
	require.Eventually(t, func() bool {
		leader, tm, ok := g.Leader()
		term = tm
		return ok && leader == want
	}, 2*time.Second, testDelay)
	return term
}

func TestElection(t *testing.T) {
	g := New(Config{ElectionDelay: testDelay}, []models.AdminID{4}, []models.AdminID{3, 1, 2}, zaptest.NewLogger(t))
	defer g.Close()

	term := waitForLeader(t, g, 1)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, []models.AdminID{1, 2, 3}, g.Membership())
	assert.Equal(t, []models.AdminID{1, 2, 3, 4}, g.Members())
	assert.True(t, g.IsLeader(1, 1))
	assert.True(t, g.HasQuorum())
}

func TestLeaderFailover(t *testing.T) {
	g := New(Config{ElectionDelay: testDelay}, nil, []models.AdminID{1, 2, 3}, zaptest.NewLogger(t))
	defer g.Close()
	waitForLeader(t, g, 1)

	var mu sync.Mutex
	var changes []models.AdminID
	g.OnLeaderChange(func(leader models.AdminID, term uint64) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, leader)
	})

	g.SetReachable(1, false)
	term := waitForLeader(t, g, 2)
	assert.Equal(t, uint64(2), term)

	mu.Lock()
	assert.Equal(t, []models.AdminID{0, 2}, changes)
	mu.Unlock()

	// a returning member does not take leadership back
	g.SetReachable(1, true)
	time.Sleep(5 * testDelay)
	leader, _, _ := g.Leader()
	assert.Equal(t, models.AdminID(2), leader)
}

func TestNoElectionWithoutMajority(t *testing.T) {
	g := New(Config{ElectionDelay: testDelay}, nil, []models.AdminID{1, 2, 3}, zaptest.NewLogger(t))
	defer g.Close()
	waitForLeader(t, g, 1)

	g.SetReachable(2, false)
	g.SetReachable(3, false)
	assert.False(t, g.HasQuorum())

	// the leader steps down once it is in the minority
	_, _, ok := g.Leader()
	assert.False(t, ok)
	time.Sleep(5 * testDelay)
	_, _, ok = g.Leader()
	assert.False(t, ok)
}

func TestProposeMembership(t *testing.T) {
	t.Run("Normal Proposal Needs Leader", func(t *testing.T) {
		g := New(Config{ElectionDelay: testDelay}, []models.AdminID{4}, []models.AdminID{1, 2, 3}, zaptest.NewLogger(t))
		defer g.Close()
		waitForLeader(t, g, 1)

		err := g.ProposeMembership(2, []models.AdminID{1, 2, 3, 4}, false)
		assert.True(t, faults.Is(err, faults.ClassNotMaster))

		require.NoError(t, g.ProposeMembership(1, []models.AdminID{1, 2, 3, 4}, false))
		assert.Equal(t, []models.AdminID{1, 2, 3, 4}, g.Membership())
		leader, _, _ := g.Leader()
		assert.Equal(t, models.AdminID(1), leader)
	})

	t.Run("Forced Repair After Majority Loss", func(t *testing.T) {
		g := New(Config{ElectionDelay: testDelay}, []models.AdminID{2}, []models.AdminID{1}, zaptest.NewLogger(t))
		defer g.Close()
		waitForLeader(t, g, 1)

		g.SetReachable(1, false)
		_, _, ok := g.Leader()
		require.False(t, ok)

		err := g.ProposeMembership(1, []models.AdminID{2}, true)
		assert.True(t, faults.Is(err, faults.ClassConnectivity))
		assert.Contains(t, err.Error(), "cannot contact admin")

		require.NoError(t, g.ProposeMembership(2, []models.AdminID{2}, true))
		term := waitForLeader(t, g, 2)
		assert.Equal(t, uint64(2), term)
	})

	t.Run("Rejects Unknown And Empty", func(t *testing.T) {
		g := New(Config{ElectionDelay: testDelay}, nil, []models.AdminID{1}, zaptest.NewLogger(t))
		defer g.Close()

		err := g.ProposeMembership(1, []models.AdminID{7}, true)
		assert.True(t, faults.HasCode(err, faults.CodeUnknownMember))
		err = g.ProposeMembership(1, nil, true)
		assert.True(t, faults.HasCode(err, faults.CodeEmptyMembership))
	})
}
