package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Versioned envelope types, namespaced as <ns>.<action>.
const (
	typeRegister            = "signalling.register"
	typeOffer               = "signalling.offer"
	typeAnswer              = "signalling.answer"
	typeICECandidate        = "signalling.ice-candidate"
	typeTakeover            = "signalling.takeover"
	typePing                = "agent.ping"
	typePong                = "agent.pong"
	typeCapabilityQuery     = "capability.query"
	typeCapabilityAdvertise = "capability.advertise"
)

// envelope is the versioned wire shape: {type, version, id, timestamp,
// payload}. The envelope id doubles as the ping/pong correlation id.
type envelope struct {
	Type      string         `json:"type"`
	Version   int            `json:"version"`
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func normalizeVersioned(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	msg := &Message{
		RobotID:            stringField(env.Payload, "robotId"),
		Target:             Role(stringField(env.Payload, "target")),
		ClientConnectionID: stringField(env.Payload, "clientConnectionId"),
		From:               stringField(env.Payload, "from"),
		CorrelationID:      env.ID,
		WireType:           env.Type,
	}

	switch env.Type {
	case typeRegister:
		msg.Kind = KindRegistration
	case typeOffer:
		msg.Kind = KindOffer
		msg.Description = descriptionFromEnvelope(env.Payload)
	case typeAnswer:
		msg.Kind = KindAnswer
		msg.Description = descriptionFromEnvelope(env.Payload)
	case typeICECandidate:
		msg.Kind = KindICECandidate
		msg.Candidate = candidateFromEnvelope(env.Payload)
	case typeTakeover:
		msg.Kind = KindTakeover
	case typePing:
		msg.Kind = KindPing
	case typePong:
		msg.Kind = KindPong
	case typeCapabilityQuery:
		msg.Kind = KindCapabilityQuery
		msg.Versions = intSliceField(env.Payload, "versions")
	case typeCapabilityAdvertise:
		msg.Kind = KindCapabilityAdvertise
		msg.Versions = intSliceField(env.Payload, "versions")
	default:
		msg.Kind = KindUnrecognized
	}
	return msg, nil
}

func denormalizeVersioned(msg *Message) ([]byte, error) {
	env := envelope{
		Version:   Version,
		ID:        msg.CorrelationID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{},
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}

	if msg.RobotID != "" {
		env.Payload["robotId"] = msg.RobotID
	}
	if msg.Target != "" {
		env.Payload["target"] = string(msg.Target)
	}
	if msg.ClientConnectionID != "" {
		env.Payload["clientConnectionId"] = msg.ClientConnectionID
	}
	if msg.From != "" {
		env.Payload["from"] = msg.From
	}

	switch msg.Kind {
	case KindRegistration:
		env.Type = typeRegister
	case KindOffer:
		env.Type = typeOffer
		putDescription(env.Payload, msg.Description)
	case KindAnswer:
		env.Type = typeAnswer
		putDescription(env.Payload, msg.Description)
	case KindICECandidate:
		env.Type = typeICECandidate
		putCandidate(env.Payload, msg.Candidate)
	case KindTakeover:
		env.Type = typeTakeover
	case KindPing:
		env.Type = typePing
	case KindPong:
		env.Type = typePong
	case KindCapabilityQuery:
		env.Type = typeCapabilityQuery
		if msg.Versions != nil {
			env.Payload["versions"] = msg.Versions
		}
	case KindCapabilityAdvertise:
		env.Type = typeCapabilityAdvertise
		if msg.Versions != nil {
			env.Payload["versions"] = msg.Versions
		}
	default:
		return nil, &UnsupportedKindError{Kind: msg.Kind, Protocol: ProtocolVersioned}
	}

	if len(env.Payload) == 0 {
		env.Payload = nil
	}
	return json.Marshal(env)
}

// Versioned offers and answers nest the SDP under payload.description.
func descriptionFromEnvelope(payload map[string]any) *SessionDescription {
	desc, _ := payload["description"].(map[string]any)
	if desc == nil {
		return nil
	}
	return &SessionDescription{
		Type: stringField(desc, "type"),
		SDP:  stringField(desc, "sdp"),
	}
}

func putDescription(payload map[string]any, desc *SessionDescription) {
	if desc == nil {
		return
	}
	d := map[string]any{"sdp": desc.SDP}
	if desc.Type != "" {
		d["type"] = desc.Type
	}
	payload["description"] = d
}

// Versioned candidates nest the fields under payload.candidate.
func candidateFromEnvelope(payload map[string]any) *ICECandidate {
	cand, _ := payload["candidate"].(map[string]any)
	if cand == nil {
		return nil
	}
	return candidateFromFlat(cand)
}

func putCandidate(payload map[string]any, cand *ICECandidate) {
	if cand == nil {
		return
	}
	payload["candidate"] = candidateToFlat(cand)
}

func intSliceField(payload map[string]any, key string) []int {
	raw, _ := payload[key].([]any)
	if raw == nil {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
