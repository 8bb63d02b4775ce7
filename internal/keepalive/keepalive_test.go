package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

type recordingSender struct {
	mu    sync.Mutex
	pings map[string]int
	gone  map[string]bool
	err   error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{pings: make(map[string]int), gone: make(map[string]bool)}
}

func (s *recordingSender) Send(_ context.Context, connectionID string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings[connectionID]++
	if s.gone[connectionID] {
		return transport.ErrGone
	}
	return s.err
}

func addConn(t *testing.T, st store.Store, id string) {
	t.Helper()
	require.NoError(t, st.PutConnection(context.Background(), &store.Connection{
		ID:             id,
		Role:           protocol.RoleClient,
		OwnerUserID:    "u",
		Protocol:       protocol.ProtocolLegacy,
		LastActivityAt: time.Now().UTC(),
	}))
}

func TestPingsEveryConnection(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	sender := newRecordingSender()
	p := New(Config{MaxPages: 40}, st, sender, zerolog.Nop())

	for i := 0; i < 250; i++ {
		addConn(t, st, fmt.Sprintf("conn-%03d", i))
	}

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 250, summary.Pinged)
	assert.Equal(t, 3, summary.Pages)
	assert.Zero(t, summary.Gone)
	for i := 0; i < 250; i++ {
		assert.Equal(t, 1, sender.pings[fmt.Sprintf("conn-%03d", i)])
	}
}

func TestGoneIsNotAnError(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	sender := newRecordingSender()
	sender.gone["conn-b"] = true
	p := New(Config{MaxPages: 40}, st, sender, zerolog.Nop())

	addConn(t, st, "conn-a")
	addConn(t, st, "conn-b")

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Pinged)
	assert.Equal(t, 1, summary.Gone)
	assert.Zero(t, summary.Errors)
}

func TestOtherSendErrorsCounted(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	sender := newRecordingSender()
	sender.err = errors.New("write timeout")
	p := New(Config{MaxPages: 40}, st, sender, zerolog.Nop())

	addConn(t, st, "conn-a")

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Pinged)
	assert.Equal(t, 1, summary.Errors)
}

func TestPageCap(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	sender := newRecordingSender()
	p := New(Config{MaxPages: 1}, st, sender, zerolog.Nop())

	for i := 0; i < 150; i++ {
		addConn(t, st, fmt.Sprintf("conn-%03d", i))
	}

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 100, summary.Pinged)
}

func TestDoesNotTouchLastPong(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	sender := newRecordingSender()
	p := New(Config{MaxPages: 40}, st, sender, zerolog.Nop())

	addConn(t, st, "conn-a")

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	conn, err := st.GetConnection(context.Background(), "conn-a")
	require.NoError(t, err)
	assert.Nil(t, conn.LastPongAt)
}
