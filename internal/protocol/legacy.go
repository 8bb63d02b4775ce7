package protocol

import (
	"encoding/json"
	"strings"
)

// legacyMessage is the flat wire shape spoken by first-generation robots:
// {type, robotId?, target?, clientConnectionId?, payload?}.
type legacyMessage struct {
	Type               string         `json:"type"`
	RobotID            string         `json:"robotId,omitempty"`
	Target             string         `json:"target,omitempty"`
	ClientConnectionID string         `json:"clientConnectionId,omitempty"`
	From               string         `json:"from,omitempty"`
	By                 string         `json:"by,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
}

func normalizeLegacy(raw []byte) (*Message, error) {
	var lm legacyMessage
	if err := json.Unmarshal(raw, &lm); err != nil {
		return nil, err
	}

	msg := &Message{
		RobotID:            lm.RobotID,
		Target:             Role(lm.Target),
		ClientConnectionID: lm.ClientConnectionID,
		From:               lm.From,
		WireType:           lm.Type,
	}

	switch strings.ToLower(strings.TrimSpace(lm.Type)) {
	case "register":
		msg.Kind = KindRegistration
	case "offer":
		msg.Kind = KindOffer
		msg.Description = descriptionFromLegacy(lm.Payload)
	case "answer":
		msg.Kind = KindAnswer
		msg.Description = descriptionFromLegacy(lm.Payload)
	case "ice-candidate", "candidate":
		msg.Kind = KindICECandidate
		msg.Candidate = candidateFromFlat(lm.Payload)
	case "takeover":
		msg.Kind = KindTakeover
	case "ping":
		msg.Kind = KindPing
		msg.CorrelationID = stringField(lm.Payload, "id")
	case "pong":
		msg.Kind = KindPong
		msg.CorrelationID = stringField(lm.Payload, "id")
	default:
		msg.Kind = KindUnrecognized
	}
	return msg, nil
}

func denormalizeLegacy(msg *Message) ([]byte, error) {
	lm := legacyMessage{
		RobotID:            msg.RobotID,
		Target:             string(msg.Target),
		ClientConnectionID: msg.ClientConnectionID,
		From:               msg.From,
	}

	switch msg.Kind {
	case KindRegistration:
		lm.Type = "register"
	case KindOffer:
		lm.Type = "offer"
		lm.Payload = descriptionToLegacy(msg.Description)
	case KindAnswer:
		lm.Type = "answer"
		lm.Payload = descriptionToLegacy(msg.Description)
	case KindICECandidate:
		lm.Type = "ice-candidate"
		lm.Payload = candidateToFlat(msg.Candidate)
	case KindTakeover:
		// Legacy robots know this notification as admin-takeover, carrying
		// the initiating user in "by".
		lm.Type = "admin-takeover"
		lm.By = msg.From
		lm.From = ""
	case KindPing:
		lm.Type = "ping"
		lm.Payload = correlationPayload(msg.CorrelationID)
	case KindPong:
		lm.Type = "pong"
		lm.Payload = correlationPayload(msg.CorrelationID)
	default:
		return nil, &UnsupportedKindError{Kind: msg.Kind, Protocol: ProtocolLegacy}
	}
	return json.Marshal(lm)
}

// Legacy offers and answers carry the SDP flat in the payload: {sdp, type?}.
func descriptionFromLegacy(payload map[string]any) *SessionDescription {
	if payload == nil {
		return nil
	}
	sdp := stringField(payload, "sdp")
	typ := stringField(payload, "type")
	if sdp == "" && typ == "" {
		return nil
	}
	return &SessionDescription{Type: typ, SDP: sdp}
}

func descriptionToLegacy(desc *SessionDescription) map[string]any {
	if desc == nil {
		return nil
	}
	payload := map[string]any{"sdp": desc.SDP}
	if desc.Type != "" {
		payload["type"] = desc.Type
	}
	return payload
}

// Legacy candidates are flat: {candidate, sdpMid?, sdpMLineIndex?,
// usernameFragment?}.
func candidateFromFlat(payload map[string]any) *ICECandidate {
	if payload == nil {
		return nil
	}
	cand := &ICECandidate{
		Candidate:        stringField(payload, "candidate"),
		SDPMid:           stringField(payload, "sdpMid"),
		UsernameFragment: stringField(payload, "usernameFragment"),
	}
	if idx, ok := intField(payload, "sdpMLineIndex"); ok {
		cand.SDPMLineIndex = &idx
	}
	if cand.Candidate == "" && cand.SDPMid == "" && cand.SDPMLineIndex == nil {
		return nil
	}
	return cand
}

func candidateToFlat(cand *ICECandidate) map[string]any {
	if cand == nil {
		return nil
	}
	payload := map[string]any{"candidate": cand.Candidate}
	if cand.SDPMid != "" {
		payload["sdpMid"] = cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = *cand.SDPMLineIndex
	}
	if cand.UsernameFragment != "" {
		payload["usernameFragment"] = cand.UsernameFragment
	}
	return payload
}

func correlationPayload(id string) map[string]any {
	if id == "" {
		return nil
	}
	return map[string]any{"id": id}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func intField(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
