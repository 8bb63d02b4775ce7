package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/robolink/robolink/internal/metrics"
	"github.com/robolink/robolink/internal/protocol"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

// Router consumes normalized inbound messages and delivers routable ones to
// exactly one live destination channel. Undeliverable messages are dropped
// with a log line; the relay does not guarantee delivery.
type Router struct {
	store       store.Store
	sender      transport.Sender
	logger      zerolog.Logger
	allowLegacy bool
}

// NewRouter creates a router over the given registry and transport.
func NewRouter(st store.Store, sender transport.Sender, allowLegacy bool, logger zerolog.Logger) *Router {
	return &Router{
		store:       st,
		sender:      sender,
		logger:      logger.With().Str("component", "router").Logger(),
		allowLegacy: allowLegacy,
	}
}

// Handle processes one raw inbound frame from the given connection.
// All failure modes short of a store outage are swallowed: the message is
// dropped, logged and counted, and the peer gets no response.
func (r *Router) Handle(ctx context.Context, connectionID string, raw []byte) error {
	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	detected := protocol.Detect(raw)
	proto := conn.Protocol
	if proto == "" {
		// First inbound message fixes the channel's wire shape.
		if detected == protocol.ProtocolLegacy && !r.allowLegacy {
			r.drop(connectionID, "legacy-disabled", string(detected))
			return nil
		}
		if err := r.store.SetProtocol(ctx, connectionID, detected); err != nil {
			return err
		}
		proto = detected
	} else if detected != proto {
		// A channel does not switch shapes mid-session. Legacy frames on a
		// versioned channel pass only when legacy mode is globally allowed.
		if detected != protocol.ProtocolLegacy || !r.allowLegacy {
			r.drop(connectionID, "protocol-mismatch", string(detected))
			return nil
		}
		proto = detected
	}

	msg, err := protocol.Normalize(raw, proto)
	if err != nil {
		r.drop(connectionID, "malformed", "")
		return nil
	}
	if msg.Kind == protocol.KindUnrecognized {
		r.logger.Debug().
			Str("connectionId", connectionID).
			Str("wireType", msg.WireType).
			Msg("unrecognized message type")
		metrics.MessagesDropped.WithLabelValues("unrecognized").Inc()
		return nil
	}

	now := time.Now().UTC()
	if err := r.store.TouchActivity(ctx, connectionID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn().Err(err).Str("connectionId", connectionID).Msg("touch activity failed")
	}

	switch msg.Kind {
	case protocol.KindRegistration:
		return r.handleRegistration(ctx, conn, msg)
	case protocol.KindPing:
		return r.handlePing(ctx, conn, proto, msg)
	case protocol.KindPong:
		return r.store.RecordPong(ctx, connectionID, now)
	case protocol.KindCapabilityQuery:
		return r.handleCapabilityQuery(ctx, conn, proto, msg)
	default:
		return r.forward(ctx, conn, msg)
	}
}

// handleRegistration consumes a registration message: it promotes the
// sender to robot role and upserts the presence entry. The last
// registration for a robot wins.
func (r *Router) handleRegistration(ctx context.Context, conn *store.Connection, msg *protocol.Message) error {
	if msg.RobotID == "" {
		r.drop(conn.ID, "registration-no-robot", "")
		return nil
	}

	if err := r.store.SetRole(ctx, conn.ID, protocol.RoleRobot); err != nil {
		return err
	}
	if err := r.store.PutPresence(ctx, &store.Presence{
		RobotID:      msg.RobotID,
		ConnectionID: conn.ID,
		OwnerUserID:  conn.OwnerUserID,
		Status:       store.StatusOnline,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	r.logger.Info().
		Str("robotId", msg.RobotID).
		Str("connectionId", conn.ID).
		Msg("robot registered")
	return nil
}

// handlePing answers a ping locally with a pong echoing the correlation id.
// The prober is not involved.
func (r *Router) handlePing(ctx context.Context, conn *store.Connection, proto protocol.Protocol, msg *protocol.Message) error {
	pong := &protocol.Message{
		Kind:          protocol.KindPong,
		CorrelationID: msg.CorrelationID,
	}
	data, err := protocol.Denormalize(pong, proto)
	if err != nil {
		return err
	}
	if err := r.sender.Send(ctx, conn.ID, data); err != nil {
		r.logger.Debug().Err(err).Str("connectionId", conn.ID).Msg("pong delivery failed")
	}
	return nil
}

func (r *Router) handleCapabilityQuery(ctx context.Context, conn *store.Connection, proto protocol.Protocol, msg *protocol.Message) error {
	adv := &protocol.Message{
		Kind:          protocol.KindCapabilityAdvertise,
		CorrelationID: msg.CorrelationID,
		Versions:      protocol.SupportedVersions,
	}
	data, err := protocol.Denormalize(adv, proto)
	if err != nil {
		return err
	}
	if err := r.sender.Send(ctx, conn.ID, data); err != nil {
		r.logger.Debug().Err(err).Str("connectionId", conn.ID).Msg("capability advertise delivery failed")
	}
	return nil
}

// forward resolves the destination channel and re-encodes the message for
// its protocol. Robot-directed traffic requires the sender to own the robot
// or be an admin.
func (r *Router) forward(ctx context.Context, conn *store.Connection, msg *protocol.Message) error {
	if !msg.Kind.Routable() {
		r.drop(conn.ID, "not-routable", string(msg.Kind))
		return nil
	}

	var destID string
	switch {
	case msg.Target == protocol.RoleClient || (msg.ClientConnectionID != "" && msg.RobotID == ""):
		// Client-directed: there is no reverse index from robot to client,
		// the destination channel id must be supplied explicitly.
		if msg.ClientConnectionID == "" {
			r.drop(conn.ID, "no-destination", string(msg.Kind))
			return nil
		}
		destID = msg.ClientConnectionID
	default:
		if msg.RobotID == "" {
			r.drop(conn.ID, "no-destination", string(msg.Kind))
			return nil
		}
		pres, err := r.store.GetPresence(ctx, msg.RobotID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.drop(conn.ID, "robot-offline", msg.RobotID)
				return nil
			}
			return err
		}
		sender := Identity{UserID: conn.OwnerUserID, Groups: conn.Groups}
		if !sender.CanDirect(pres.OwnerUserID) {
			r.drop(conn.ID, "unauthorized", msg.RobotID)
			return nil
		}
		destID = pres.ConnectionID
	}

	dest, err := r.store.GetConnection(ctx, destID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.drop(conn.ID, "destination-unknown", destID)
			return nil
		}
		return err
	}

	destProto := dest.Protocol
	if destProto == "" {
		// Destination never spoke; fall back to the sender's shape.
		destProto = conn.Protocol
	}

	out := *msg
	out.From = conn.OwnerUserID
	data, err := protocol.Denormalize(&out, destProto)
	if err != nil {
		var unsupported *protocol.UnsupportedKindError
		if errors.As(err, &unsupported) {
			r.drop(conn.ID, "unsupported-for-destination", string(msg.Kind))
			return nil
		}
		return err
	}

	if err := r.sender.Send(ctx, destID, data); err != nil {
		if errors.Is(err, transport.ErrGone) {
			r.drop(conn.ID, "destination-gone", destID)
			return nil
		}
		r.logger.Warn().Err(err).
			Str("connectionId", conn.ID).
			Str("destination", destID).
			Msg("forward failed")
		metrics.MessagesDropped.WithLabelValues("delivery-error").Inc()
		return nil
	}

	metrics.MessagesForwarded.Inc()
	return nil
}

func (r *Router) drop(connectionID, reason, detail string) {
	r.logger.Debug().
		Str("connectionId", connectionID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("message dropped")
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
}
