// Package keepalive implements the scheduled pinger that keeps idle
// channels from being dropped by the hosting transport's own idle timer.
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/robolink/robolink/internal/metrics"
	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

const pageSize = 100

// Config tunes one Pinger.
type Config struct {
	// MaxPages caps registry pages per run, guarding against a runaway
	// loop if pagination state is ever malformed.
	MaxPages int
}

// Summary is the aggregate outcome of one keepalive run.
type Summary struct {
	Pinged  int    `json:"pinged"`
	Gone    int    `json:"gone"`
	Errors  int    `json:"errors"`
	Pages   int    `json:"pages"`
	Elapsed string `json:"elapsed"`
}

// Pinger fires a best-effort ping at every registered channel. It does not
// read responses and never touches LastPongAt; liveness judgment belongs to
// the reaper.
type Pinger struct {
	cfg    Config
	store  store.Store
	sender transport.Sender
	logger zerolog.Logger
}

// New creates a keepalive pinger.
func New(cfg Config, st store.Store, sender transport.Sender, logger zerolog.Logger) *Pinger {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 40
	}
	return &Pinger{
		cfg:    cfg,
		store:  st,
		sender: sender,
		logger: logger.With().Str("component", "keepalive").Logger(),
	}
}

// Run pages through the whole registry and pings each entry. A gone channel
// is an expected, non-error outcome: it is already dead and the reaper will
// collect it.
func (p *Pinger) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	defer func() {
		summary.Elapsed = time.Since(start).Round(time.Millisecond).String()
	}()

	cursor := ""
	for summary.Pages < p.cfg.MaxPages {
		page, next, err := p.store.ListConnections(ctx, cursor, pageSize)
		if err != nil {
			summary.Errors++
			return summary, err
		}
		summary.Pages++

		p.pingPage(ctx, page, summary)

		if next == "" {
			p.logger.Debug().
				Int("pinged", summary.Pinged).
				Int("gone", summary.Gone).
				Msg("keepalive run finished")
			return summary, nil
		}
		cursor = next
	}

	p.logger.Warn().
		Int("pages", summary.Pages).
		Msg("keepalive stopped at page cap")
	return summary, nil
}

func (p *Pinger) pingPage(ctx context.Context, page []*store.Connection, summary *Summary) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, conn := range page {
		wg.Add(1)
		go func(conn *store.Connection) {
			defer wg.Done()

			proto := conn.Protocol
			if proto == "" {
				proto = protocol.ProtocolLegacy
			}
			data, err := protocol.Denormalize(&protocol.Message{
				Kind:          protocol.KindPing,
				CorrelationID: uuid.New().String(),
			}, proto)
			if err != nil {
				mu.Lock()
				summary.Errors++
				mu.Unlock()
				return
			}

			metrics.PingsSent.WithLabelValues("keepalive").Inc()
			err = p.sender.Send(ctx, conn.ID, data)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Pinged++
			case errors.Is(err, transport.ErrGone):
				summary.Gone++
			default:
				p.logger.Debug().Err(err).Str("connectionId", conn.ID).Msg("keepalive ping failed")
				summary.Errors++
			}
		}(conn)
	}
	wg.Wait()
}
