package protocol

import (
	"encoding/json"
	"fmt"
)

// UnsupportedKindError reports an attempt to encode a message kind the
// destination protocol cannot express.
type UnsupportedKindError struct {
	Kind     Kind
	Protocol Protocol
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("protocol %s cannot carry %s messages", e.Protocol, e.Kind)
}

// Detect decides which wire shape a raw message belongs to. A message is
// versioned iff its type field is namespaced (contains a dot). The decision
// is made once per channel, on its first message, and recorded on the
// connection.
func Detect(raw []byte) Protocol {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ProtocolLegacy
	}
	for i := 0; i < len(probe.Type); i++ {
		if probe.Type[i] == '.' {
			return ProtocolVersioned
		}
	}
	return ProtocolLegacy
}

// Normalize parses a raw wire message of the declared protocol into the
// canonical form. A syntactically valid message with an unknown type comes
// back as KindUnrecognized rather than an error; the router drops those.
func Normalize(raw []byte, declared Protocol) (*Message, error) {
	switch declared {
	case ProtocolVersioned:
		return normalizeVersioned(raw)
	default:
		return normalizeLegacy(raw)
	}
}

// Denormalize encodes a canonical message in the wire shape the destination
// channel speaks. Fields absent from the canonical message do not appear in
// the output.
func Denormalize(msg *Message, dest Protocol) ([]byte, error) {
	switch dest {
	case ProtocolVersioned:
		return denormalizeVersioned(msg)
	default:
		return denormalizeLegacy(msg)
	}
}
