package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

// scriptSender fakes the transport: per-connection error scripts are
// consumed one entry per ping, then delivery succeeds.
type scriptSender struct {
	mu    sync.Mutex
	pings map[string]int
	errs  map[string][]error
	gone  map[string]bool
}

func newScriptSender() *scriptSender {
	return &scriptSender{
		pings: make(map[string]int),
		errs:  make(map[string][]error),
		gone:  make(map[string]bool),
	}
}

func (s *scriptSender) Send(_ context.Context, connectionID string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings[connectionID]++
	if s.gone[connectionID] {
		return transport.ErrGone
	}
	if script := s.errs[connectionID]; len(script) > 0 {
		err := script[0]
		s.errs[connectionID] = script[1:]
		return err
	}
	return nil
}

func (s *scriptSender) pingCount(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings[connectionID]
}

func (s *scriptSender) totalPings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.pings {
		total += n
	}
	return total
}

// countingCloser fakes the session service.
type countingCloser struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
}

func newCountingCloser() *countingCloser {
	return &countingCloser{calls: make(map[string]int)}
}

func (c *countingCloser) CloseActiveSessionsForConnection(_ context.Context, connectionID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("session service unavailable")
	}
	c.calls[connectionID]++
	return 1, nil
}

func testConfig() Config {
	return Config{
		Staleness:    time.Hour,
		GraceWindow:  10 * time.Second,
		MinBatchSize: 25,
		MaxBatches:   30,
		Strict:       true,
		RunBudget:    10 * time.Minute,
	}
}

func newTestReaper(t *testing.T, cfg Config) (*Reaper, store.Store, *scriptSender, *countingCloser) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	sender := newScriptSender()
	closer := newCountingCloser()
	r := New(cfg, st, sender, closer, zerolog.Nop())
	// No real waiting in tests.
	r.wait = func(context.Context, time.Duration) {}
	return r, st, sender, closer
}

func addConn(t *testing.T, st store.Store, id string, role protocol.Role, idleFor time.Duration) {
	t.Helper()
	require.NoError(t, st.PutConnection(context.Background(), &store.Connection{
		ID:             id,
		Role:           role,
		OwnerUserID:    "user-" + id,
		Protocol:       protocol.ProtocolLegacy,
		LastActivityAt: time.Now().UTC().Add(-idleFor),
	}))
}

func TestBatchSize(t *testing.T) {
	cases := []struct {
		n, minSize, maxBatches, want int
	}{
		{40, 25, 30, 25},
		{10, 25, 30, 25},
		{3000, 25, 30, 100},
		{31, 1, 30, 2},
		{30, 1, 30, 1},
	}
	for _, tc := range cases {
		r := &Reaper{cfg: Config{MinBatchSize: tc.minSize, MaxBatches: tc.maxBatches}}
		got := r.batchSize(tc.n)
		assert.Equal(t, tc.want, got, "n=%d", tc.n)

		batches := (tc.n + got - 1) / got
		assert.LessOrEqual(t, batches, tc.maxBatches)
	}
}

func TestFreshConnectionsNotScanned(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	addConn(t, st, "fresh", protocol.RoleRobot, time.Minute)
	addConn(t, st, "stale", protocol.RoleClient, 2*time.Hour)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalScanned)
	assert.Equal(t, 1, summary.StaleFound)
	assert.Zero(t, sender.pingCount("fresh"))
}

func TestNoReapOnSingleTransientError(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "flaky", protocol.RoleClient, 2*time.Hour)
	sender.errs["flaky"] = []error{errors.New("write timeout")}

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, summary.Cleaned)
	assert.Equal(t, 2, sender.pingCount("flaky"))
	_, err = st.GetConnection(ctx, "flaky")
	assert.NoError(t, err)
}

func TestNoReapOnRepeatedTransientError(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "flaky", protocol.RoleClient, 2*time.Hour)
	sender.errs["flaky"] = []error{errors.New("write timeout"), errors.New("write timeout")}

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	// Fail open: inconclusive errors alone never condemn.
	assert.Zero(t, summary.Cleaned)
	_, err = st.GetConnection(ctx, "flaky")
	assert.NoError(t, err)
}

func TestGoneSignalIsAuthoritative(t *testing.T) {
	r, st, sender, closer := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "dead", protocol.RoleClient, 2*time.Hour)
	sender.gone["dead"] = true

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cleaned)
	assert.Equal(t, 1, sender.pingCount("dead"))
	assert.Equal(t, 1, closer.calls["dead"])
	_, err = st.GetConnection(ctx, "dead")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmedReapOnSilence(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "silent-robot", protocol.RoleRobot, 2*time.Hour)
	require.NoError(t, st.PutPresence(ctx, &store.Presence{
		RobotID:      "robot-a",
		ConnectionID: "silent-robot",
		OwnerUserID:  "user-silent-robot",
		Status:       store.StatusOnline,
		UpdatedAt:    time.Now().UTC(),
	}))

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	// Pinged twice across two grace windows, never answered.
	assert.Equal(t, 2, sender.pingCount("silent-robot"))
	assert.Equal(t, 1, summary.Cleaned)
	assert.Equal(t, 1, summary.CleanedPresence)
	assert.Equal(t, 1, summary.CleanedSessions)
	assert.Zero(t, summary.Errors)

	_, err = st.GetConnection(ctx, "silent-robot")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPresence(ctx, "robot-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPongDuringGraceWindowSavesRobot(t *testing.T) {
	cfg := testConfig()
	r, st, sender, closer := newTestReaper(t, cfg)
	ctx := context.Background()
	addConn(t, st, "alive-robot", protocol.RoleRobot, 2*time.Hour)

	r.wait = func(context.Context, time.Duration) {
		_ = st.RecordPong(ctx, "alive-robot", time.Now().UTC())
	}

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, summary.Cleaned)
	assert.Equal(t, 1, sender.pingCount("alive-robot"))
	assert.Empty(t, closer.calls)
	_, err = st.GetConnection(ctx, "alive-robot")
	assert.NoError(t, err)
}

func TestDeliveredPingSufficesForNonStrict(t *testing.T) {
	cfg := testConfig()
	cfg.Strict = false
	r, st, sender, _ := newTestReaper(t, cfg)
	ctx := context.Background()
	addConn(t, st, "quiet-robot", protocol.RoleRobot, 2*time.Hour)
	addConn(t, st, "quiet-client", protocol.RoleClient, 2*time.Hour)

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, summary.Cleaned)
	assert.Equal(t, 1, sender.pingCount("quiet-robot"))
	assert.Equal(t, 1, sender.pingCount("quiet-client"))
}

func TestMonitorSkipsPresenceDelete(t *testing.T) {
	r, st, sender, closer := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "dead-monitor", protocol.RoleMonitor, 2*time.Hour)
	sender.gone["dead-monitor"] = true

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cleaned)
	assert.Zero(t, summary.CleanedPresence)
	assert.Equal(t, 1, closer.calls["dead-monitor"])
}

func TestIdempotentCleanup(t *testing.T) {
	r, st, _, closer := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "gone-conn", protocol.RoleRobot, 2*time.Hour)

	conn, err := st.GetConnection(ctx, "gone-conn")
	require.NoError(t, err)

	first := &Summary{}
	r.cleanup(ctx, []*store.Connection{conn}, first)
	assert.Equal(t, 1, first.Cleaned)
	assert.Equal(t, 1, closer.calls["gone-conn"])

	second := &Summary{}
	r.cleanup(ctx, []*store.Connection{conn}, second)
	assert.Zero(t, second.Cleaned)
	assert.Zero(t, second.Errors)
	// No duplicate session-close call.
	assert.Equal(t, 1, closer.calls["gone-conn"])
}

func TestPartialCleanupFailureDoesNotAbort(t *testing.T) {
	r, st, sender, closer := newTestReaper(t, testConfig())
	ctx := context.Background()
	addConn(t, st, "dead-1", protocol.RoleClient, 2*time.Hour)
	addConn(t, st, "dead-2", protocol.RoleClient, 2*time.Hour)
	sender.gone["dead-1"] = true
	sender.gone["dead-2"] = true
	closer.fail = true

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	// Session closes failed but both connections were still reaped.
	assert.Equal(t, 2, summary.Cleaned)
	assert.Equal(t, 2, summary.Errors)
	assert.Zero(t, summary.CleanedSessions)
}

func TestOrphanSweepRunsWithZeroStale(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	ctx := context.Background()

	addConn(t, st, "live-conn", protocol.RoleRobot, time.Minute)
	require.NoError(t, st.PutPresence(ctx, &store.Presence{
		RobotID:      "robot-live",
		ConnectionID: "live-conn",
		OwnerUserID:  "u1",
		Status:       store.StatusOnline,
		UpdatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, st.PutPresence(ctx, &store.Presence{
		RobotID:      "robot-orphan",
		ConnectionID: "vanished-conn",
		OwnerUserID:  "u2",
		Status:       store.StatusOnline,
		UpdatedAt:    time.Now().UTC(),
	}))

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, summary.StaleFound)
	assert.Equal(t, 1, summary.CleanedPresence)
	assert.Zero(t, sender.totalPings())

	_, err = st.GetPresence(ctx, "robot-orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPresence(ctx, "robot-live")
	assert.NoError(t, err)
}

func TestFortyStaleRobots(t *testing.T) {
	r, st, sender, _ := newTestReaper(t, testConfig())
	ctx := context.Background()

	ponging := make(map[string]bool)
	for i := 0; i < 40; i++ {
		id := connID(i)
		addConn(t, st, id, protocol.RoleRobot, 2*time.Hour)
		if i < 10 {
			ponging[id] = true
		}
	}

	// The first grace window produces pongs from the responsive robots.
	r.wait = func(context.Context, time.Duration) {
		for id := range ponging {
			_ = st.RecordPong(ctx, id, time.Now().UTC())
		}
	}

	summary, err := r.Run(ctx)
	require.NoError(t, err)

	// batch size max(25, ceil(40/30)) = 25 -> 2 batches of 25 + 15.
	assert.Equal(t, 40, summary.StaleFound)
	assert.Equal(t, 30, summary.Cleaned)

	for id := range ponging {
		assert.Equal(t, 1, sender.pingCount(id), "ponging robot %s pinged once", id)
		_, err := st.GetConnection(ctx, id)
		assert.NoError(t, err)
	}
	for i := 10; i < 40; i++ {
		assert.Equal(t, 2, sender.pingCount(connID(i)))
		_, err := st.GetConnection(ctx, connID(i))
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	// 40 first-round pings + 30 retries.
	assert.Equal(t, 70, sender.totalPings())
}

func connID(i int) string {
	return "conn-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestLockSkipsConcurrentRun(t *testing.T) {
	cfg := testConfig()
	cfg.LockPath = filepath.Join(t.TempDir(), "reaper.lock")
	r, st, _, _ := newTestReaper(t, cfg)
	addConn(t, st, "stale", protocol.RoleClient, 2*time.Hour)

	held := flock.New(cfg.LockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.TotalScanned)
}
