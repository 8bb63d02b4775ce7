// Package reaper implements the liveness prober: a scheduled job that finds
// idle channels, challenges them with a ping, and deletes everything derived
// from channels that never answer.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robolink/robolink/internal/metrics"
	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/session"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

const scanPageSize = 100

// Config is the immutable tuning of one Reaper, injected at construction.
type Config struct {
	// Staleness is how long a channel may go without activity before it
	// becomes a reap candidate.
	Staleness time.Duration

	// GraceWindow is how long each probe attempt waits for a pong.
	GraceWindow time.Duration

	// MinBatchSize and MaxBatches bound the probe fan-out: batch size is
	// max(MinBatchSize, ceil(stale/MaxBatches)), so the number of batches
	// never exceeds MaxBatches.
	MinBatchSize int
	MaxBatches   int

	// Strict requires robot-role channels to answer with a pong; a
	// delivered ping alone is not proof of life for them.
	Strict bool

	// RunBudget is the soft wall-clock ceiling for one run.
	RunBudget time.Duration

	// LockPath, when set, serializes runs across processes sharing a
	// store. An already-held lock skips the run.
	LockPath string
}

// Summary is the aggregate outcome of one reap run.
type Summary struct {
	TotalScanned    int    `json:"totalScanned"`
	StaleFound      int    `json:"staleFound"`
	Cleaned         int    `json:"cleaned"`
	CleanedPresence int    `json:"cleanedPresence"`
	CleanedSessions int    `json:"cleanedSessions"`
	Errors          int    `json:"errors"`
	Skipped         bool   `json:"skipped,omitempty"`
	Elapsed         string `json:"elapsed"`
}

// Reaper probes stale channels and reaps the unresponsive ones.
type Reaper struct {
	cfg      Config
	store    store.Store
	sender   transport.Sender
	sessions session.Closer
	logger   zerolog.Logger

	// Overridable for tests.
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration)
}

// New creates a reaper. The configuration is fixed for the reaper's
// lifetime; strictness is not re-read per run.
func New(cfg Config, st store.Store, sender transport.Sender, sessions session.Closer, logger zerolog.Logger) *Reaper {
	if sessions == nil {
		sessions = session.NopCloser{}
	}
	return &Reaper{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		sessions: sessions,
		logger:   logger.With().Str("component", "reaper").Logger(),
		now:      time.Now,
		wait:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// probeOutcome is the result of one ping dispatch.
type probeOutcome int

const (
	outcomeDelivered probeOutcome = iota
	outcomeDead
	outcomeInconclusive
)

// candidate tracks one stale connection through the probe rounds.
type candidate struct {
	conn    *store.Connection
	outcome probeOutcome
}

// Run executes one reap pass: scan, probe in batches, clean up, sweep
// orphans. Partial-cleanup failures are counted, never fatal; the returned
// summary is valid even when err is non-nil.
func (r *Reaper) Run(ctx context.Context) (*Summary, error) {
	start := r.now()
	summary := &Summary{}
	defer func() {
		summary.Elapsed = r.now().Sub(start).Round(time.Millisecond).String()
	}()

	if r.cfg.LockPath != "" {
		lock := flock.New(r.cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return summary, err
		}
		if !locked {
			r.logger.Info().Msg("another reap run holds the lock, skipping")
			summary.Skipped = true
			return summary, nil
		}
		defer func() { _ = lock.Unlock() }()
	}

	if r.cfg.RunBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunBudget)
		defer cancel()
	}

	stale, err := r.scan(ctx, summary)
	if err != nil {
		return summary, err
	}
	summary.StaleFound = len(stale)

	if len(stale) > 0 {
		cleanup := r.probe(ctx, stale)
		r.cleanup(ctx, cleanup, summary)
	}

	// The orphan sweep runs once per job regardless of whether stale
	// connections were found.
	r.sweepOrphans(ctx, summary)

	r.logger.Info().
		Int("totalScanned", summary.TotalScanned).
		Int("staleFound", summary.StaleFound).
		Int("cleaned", summary.Cleaned).
		Int("errors", summary.Errors).
		Msg("reap run finished")
	return summary, nil
}

// scan pages through the full registry and collects connections idle past
// the staleness threshold. This is the only unbounded step of a run.
func (r *Reaper) scan(ctx context.Context, summary *Summary) ([]*store.Connection, error) {
	cutoff := r.now().Add(-r.cfg.Staleness)
	var stale []*store.Connection

	cursor := ""
	for {
		page, next, err := r.store.ListConnections(ctx, cursor, scanPageSize)
		if err != nil {
			return stale, err
		}
		summary.TotalScanned += len(page)
		for _, conn := range page {
			if conn.LastActivityAt.Before(cutoff) {
				stale = append(stale, conn)
			}
		}
		if next == "" {
			return stale, nil
		}
		cursor = next
	}
}

// batchSize bounds total probe-wait time: with B batches at most, each
// waiting up to two grace windows, the run length is predictable.
func (r *Reaper) batchSize(n int) int {
	size := (n + r.cfg.MaxBatches - 1) / r.cfg.MaxBatches
	if size < r.cfg.MinBatchSize {
		size = r.cfg.MinBatchSize
	}
	return size
}

// probe runs the ping/grace/retry cycle over the stale set, batch by batch,
// and returns the set of connections confirmed dead.
func (r *Reaper) probe(ctx context.Context, stale []*store.Connection) []*store.Connection {
	size := r.batchSize(len(stale))
	var cleanup []*store.Connection

	for begin := 0; begin < len(stale); begin += size {
		end := begin + size
		if end > len(stale) {
			end = len(stale)
		}
		cleanup = append(cleanup, r.probeBatch(ctx, stale[begin:end])...)
	}
	return cleanup
}

// probeBatch pings every connection in the batch concurrently, waits the
// grace window, and retries the undecided once. Two silent grace windows in
// a row condemn a strict-liveness robot; everyone else is presumed alive
// once a ping is delivered. An inconclusive delivery error never condemns
// on its own.
func (r *Reaper) probeBatch(ctx context.Context, batch []*store.Connection) []*store.Connection {
	pending := make([]*candidate, 0, len(batch))
	for _, conn := range batch {
		pending = append(pending, &candidate{conn: conn})
	}

	var cleanup []*store.Connection

	for attempt := 1; attempt <= 2 && len(pending) > 0; attempt++ {
		sentAt := r.now()
		r.dispatchPings(ctx, pending)

		needPong := false
		for _, c := range pending {
			if c.outcome == outcomeDelivered && r.requiresPong(c.conn) {
				needPong = true
				break
			}
		}
		if needPong {
			r.wait(ctx, r.cfg.GraceWindow)
		}

		var retry []*candidate
		for _, c := range pending {
			switch c.outcome {
			case outcomeDead:
				cleanup = append(cleanup, c.conn)
			case outcomeDelivered:
				if !r.requiresPong(c.conn) {
					continue // presumed alive
				}
				if r.pongedSince(ctx, c.conn.ID, sentAt) {
					continue // answered, leave untouched
				}
				if attempt == 2 {
					cleanup = append(cleanup, c.conn)
				} else {
					retry = append(retry, c)
				}
			case outcomeInconclusive:
				// Fail open: a transport hiccup alone never reaps, but
				// give the ping one more try.
				if attempt < 2 {
					retry = append(retry, c)
				}
			}
		}
		pending = retry
	}

	return cleanup
}

// dispatchPings sends a challenge ping to every candidate concurrently and
// waits for all outcomes. A slow peer must not block the others, but the
// batch is a synchronization point.
func (r *Reaper) dispatchPings(ctx context.Context, pending []*candidate) {
	var wg sync.WaitGroup
	for _, c := range pending {
		wg.Add(1)
		go func(c *candidate) {
			defer wg.Done()
			c.outcome = r.ping(ctx, c.conn)
		}(c)
	}
	wg.Wait()
}

func (r *Reaper) ping(ctx context.Context, conn *store.Connection) probeOutcome {
	proto := conn.Protocol
	if proto == "" {
		// Never spoke; the legacy shape is the safe bet.
		proto = protocol.ProtocolLegacy
	}
	data, err := protocol.Denormalize(&protocol.Message{
		Kind:          protocol.KindPing,
		CorrelationID: uuid.New().String(),
	}, proto)
	if err != nil {
		return outcomeInconclusive
	}

	metrics.PingsSent.WithLabelValues("reaper").Inc()
	if err := r.sender.Send(ctx, conn.ID, data); err != nil {
		if errors.Is(err, transport.ErrGone) {
			return outcomeDead
		}
		r.logger.Debug().Err(err).Str("connectionId", conn.ID).Msg("probe delivery error")
		return outcomeInconclusive
	}
	return outcomeDelivered
}

// requiresPong reports whether a delivered ping is insufficient proof of
// life. Robots run unattended and hang silently; clients and monitors are
// interactive, so a delivered ping is an adequate signal for them.
func (r *Reaper) requiresPong(conn *store.Connection) bool {
	return r.cfg.Strict && conn.Role == protocol.RoleRobot
}

func (r *Reaper) pongedSince(ctx context.Context, connID string, sentAt time.Time) bool {
	conn, err := r.store.GetConnection(ctx, connID)
	if err != nil {
		return false
	}
	return conn.LastPongAt != nil && !conn.LastPongAt.Before(sentAt)
}

// cleanup deletes every record derived from a condemned connection. Each
// deletion is independent and idempotent; a failure is logged and counted
// but aborts nothing.
func (r *Reaper) cleanup(ctx context.Context, condemned []*store.Connection, summary *Summary) {
	for _, conn := range condemned {
		// Already cleaned by a racing close or an earlier run; every
		// derived record dies with the connection, so there is nothing
		// left to do.
		if _, err := r.store.GetConnection(ctx, conn.ID); errors.Is(err, store.ErrNotFound) {
			continue
		}

		if conn.Role != protocol.RoleMonitor {
			// Monitors never hold presence.
			n, err := r.store.DeletePresenceByConnection(ctx, conn.ID)
			if err != nil {
				r.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("presence delete failed")
				summary.Errors++
				metrics.CleanupErrors.Inc()
			} else {
				summary.CleanedPresence += n
			}
		}

		closed, err := r.sessions.CloseActiveSessionsForConnection(ctx, conn.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("session close failed")
			summary.Errors++
			metrics.CleanupErrors.Inc()
		} else {
			summary.CleanedSessions += closed
		}

		if err := r.store.DeleteConnection(ctx, conn.ID); err != nil {
			r.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("connection delete failed")
			summary.Errors++
			metrics.CleanupErrors.Inc()
			continue
		}
		summary.Cleaned++
		metrics.ConnectionsReaped.Inc()
		r.logger.Info().
			Str("connectionId", conn.ID).
			Str("role", string(conn.Role)).
			Msg("connection reaped")
	}
}

// sweepOrphans deletes presence entries whose connection no longer exists.
func (r *Reaper) sweepOrphans(ctx context.Context, summary *Summary) {
	cursor := ""
	for {
		page, next, err := r.store.ListPresence(ctx, cursor, scanPageSize)
		if err != nil {
			r.logger.Error().Err(err).Msg("orphan sweep scan failed")
			summary.Errors++
			return
		}

		for _, p := range page {
			_, err := r.store.GetConnection(ctx, p.ConnectionID)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				summary.Errors++
				continue
			}
			if err := r.store.DeletePresence(ctx, p.RobotID); err != nil {
				r.logger.Error().Err(err).Str("robotId", p.RobotID).Msg("orphan delete failed")
				summary.Errors++
				metrics.CleanupErrors.Inc()
				continue
			}
			summary.CleanedPresence++
			metrics.PresenceSwept.Inc()
			r.logger.Info().
				Str("robotId", p.RobotID).
				Str("connectionId", p.ConnectionID).
				Msg("orphaned presence swept")
		}

		if next == "" {
			return
		}
		cursor = next
	}
}
