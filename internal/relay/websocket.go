package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChannel handles GET /ws: it authenticates the channel-open token,
// upgrades the connection and pumps inbound frames into the router. When
// the read loop exits, the connection record and any presence rows pointing
// at it are deleted.
func (s *Server) handleChannel(c echo.Context) error {
	identity, err := identityFromRequest(c.Request())
	if err != nil {
		s.logger.Debug().Err(err).Msg("channel open rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing or invalid token")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return err
	}

	connectionID := uuid.New().String()
	ctx := c.Request().Context()

	// Monitors declare themselves at open; everyone else starts as a
	// client until a registration message promotes them.
	role := protocol.RoleClient
	if c.QueryParam("role") == string(protocol.RoleMonitor) {
		role = protocol.RoleMonitor
	}

	conn := &store.Connection{
		ID:             connectionID,
		Role:           role,
		OwnerUserID:    identity.UserID,
		Groups:         identity.Groups,
		LastActivityAt: time.Now().UTC(),
	}
	if err := s.store.PutConnection(ctx, conn); err != nil {
		s.logger.Error().Err(err).Msg("failed to record connection")
		_ = ws.Close()
		return nil
	}

	s.hub.Register(connectionID, ws)
	s.logger.Info().
		Str("connectionId", connectionID).
		Str("userId", identity.UserID).
		Msg("channel opened")

	defer s.closeChannel(connectionID)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Str("connectionId", connectionID).Msg("channel closed")
			} else {
				s.logger.Debug().Err(err).Str("connectionId", connectionID).Msg("channel read error")
			}
			break
		}

		if err := s.router.Handle(ctx, connectionID, msg); err != nil {
			s.logger.Error().Err(err).
				Str("connectionId", connectionID).
				Msg("message handling failed")
		}
	}

	return nil
}

// closeChannel removes every record derived from a closed channel. Deletes
// are idempotent; a channel reaped moments earlier cleans up to a no-op.
func (s *Server) closeChannel(connectionID string) {
	s.hub.Unregister(connectionID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.store.DeletePresenceByConnection(ctx, connectionID); err != nil {
		s.logger.Error().Err(err).Str("connectionId", connectionID).Msg("presence cleanup failed")
	}
	if err := s.store.DeleteConnection(ctx, connectionID); err != nil {
		s.logger.Error().Err(err).Str("connectionId", connectionID).Msg("connection cleanup failed")
	}
}
