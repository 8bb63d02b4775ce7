// Package protocol defines the Robolink signaling wire formats and the
// canonical message representation the relay routes internally. Two wire
// shapes are supported: the legacy flat object used by first-generation
// robots and the versioned envelope used by current firmware.
package protocol

// Protocol identifies which wire shape a channel speaks. It is decided on
// the first inbound message and recorded on the connection; a channel does
// not switch shapes mid-session.
type Protocol string

const (
	ProtocolLegacy    Protocol = "legacy"
	ProtocolVersioned Protocol = "versioned"
)

// Version is the envelope protocol version this relay speaks.
const Version = 1

// SupportedVersions is advertised in response to a capability query.
var SupportedVersions = []int{1}

// Role identifies which side of a media session a channel belongs to.
type Role string

const (
	RoleRobot   Role = "robot"
	RoleClient  Role = "client"
	RoleMonitor Role = "monitor"
)

// Kind is the canonical message kind. It is a closed set; anything the
// adapter does not recognize becomes KindUnrecognized and is dropped by the
// router.
type Kind string

const (
	KindRegistration        Kind = "registration"
	KindOffer               Kind = "offer"
	KindAnswer              Kind = "answer"
	KindICECandidate        Kind = "ice-candidate"
	KindTakeover            Kind = "takeover"
	KindPing                Kind = "ping"
	KindPong                Kind = "pong"
	KindCapabilityQuery     Kind = "capability-query"
	KindCapabilityAdvertise Kind = "capability-advertise"
	KindUnrecognized        Kind = "unrecognized"
)

// Routable reports whether the kind is forwarded to a destination channel.
// Everything else is consumed by the relay itself.
func (k Kind) Routable() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindTakeover:
		return true
	}
	return false
}

// SessionDescription is the SDP blob of an offer or answer.
type SessionDescription struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries the candidate fields of an ice-candidate message.
// SDPMLineIndex is a pointer so that index 0 survives a round trip without
// being confused with "absent".
type ICECandidate struct {
	Candidate        string `json:"candidate"`
	SDPMid           string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *int   `json:"sdpMLineIndex,omitempty"`
	UsernameFragment string `json:"usernameFragment,omitempty"`
}

// Message is the relay's internal, protocol-agnostic representation of a
// signaling message. Exactly one of Description/Candidate is set for the
// kinds that carry one; fields left zero are absent on the wire after
// denormalization.
type Message struct {
	Kind               Kind
	RobotID            string
	Target             Role
	ClientConnectionID string

	// CorrelationID ties a pong to the ping that solicited it. For the
	// versioned shape it doubles as the envelope id.
	CorrelationID string

	// From is the user id of the originating principal, stamped by the
	// router when a message is forwarded.
	From string

	Description *SessionDescription
	Candidate   *ICECandidate

	// Versions is carried by capability query/advertise messages.
	Versions []int

	// WireType preserves the raw type string for diagnostics when the
	// message is unrecognized.
	WireType string
}
