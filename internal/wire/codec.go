// Package wire implements the bespoke JSON-envelope protocol spoken
// between the broker and hardware-controller app connections: message
// encoding/decoding, the strength/feedback payload grammar, and the
// three-digit error code table.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Message types carried in Envelope.Type. Unrecognized types are forwarded
// verbatim to the peer rather than rejected.
const (
	TypeBind      = "bind"
	TypeMsg       = "msg"
	TypeHeartbeat = "heartbeat"
	TypeBreak     = "break"
	TypeError     = "error"
)

// Error/status codes placed in Envelope.Message. Three-digit numeric
// strings per spec section 4.2.
const (
	CodeOK             = "200"
	CodePeerGone       = "209"
	CodeAlreadyBound   = "400"
	CodeTargetMissing  = "401"
	CodeNotPaired      = "402"
	CodeBadJSON        = "403"
	CodeRecipientGone  = "404"
	CodeOversize       = "405"
	CodeInternal       = "500"
	bindHandshakeToken = "DGLAB"
)

// Envelope is the wire format of every message exchanged over the
// broker's WebSocket connections.
type Envelope struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	Time     int64  `json:"time,omitempty"`
}

// IsBindHandshake reports whether this bind envelope carries the
// controller-initiated pairing handshake payload.
func (e Envelope) IsBindHandshake() bool {
	return e.Type == TypeBind && e.Message == bindHandshakeToken && e.ClientID != "" && e.TargetID != ""
}

// Encode marshals an envelope to JSON.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return b, nil
}

// Decode unmarshals JSON into an envelope. A JSON parse failure is the
// codec's "unparseable inbound JSON" fail mode; callers reply CodeBadJSON
// and drop the frame.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return e, nil
}

// Clamp restricts a strength/limit value into the 0..200 range the
// protocol requires on both ingress and egress.
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 200 {
		return 200
	}
	return v
}

var strengthPattern = regexp.MustCompile(`^strength-(\d+)\+(\d+)\+(\d+)\+(\d+)$`)
var feedbackPattern = regexp.MustCompile(`^feedback-(\d+)$`)

// ParseStrength parses the app's telemetry payload
// "strength-<A>+<B>+<limitA>+<limitB>". ok is false if the payload does
// not match the grammar exactly; the codec rejects (parses nothing) on
// any mismatch rather than partially parsing.
func ParseStrength(payload string) (a, b, limitA, limitB int, ok bool) {
	m := strengthPattern.FindStringSubmatch(payload)
	if m == nil {
		return 0, 0, 0, 0, false
	}
	a = mustAtoi(m[1])
	b = mustAtoi(m[2])
	limitA = mustAtoi(m[3])
	limitB = mustAtoi(m[4])
	return Clamp(a), Clamp(b), Clamp(limitA), Clamp(limitB), true
}

// ParseFeedback parses the app's "feedback-<index>" payload.
func ParseFeedback(payload string) (index int, ok bool) {
	m := feedbackPattern.FindStringSubmatch(payload)
	if m == nil {
		return 0, false
	}
	return mustAtoi(m[1]), true
}

func mustAtoi(s string) int {
	// s is already constrained to \d+ by the regexes above.
	n, _ := strconv.Atoi(s)
	return n
}

// StrengthMode selects how EncodeStrengthCommand interprets value.
type StrengthMode int

const (
	ModeDecrease StrengthMode = 0
	ModeIncrease StrengthMode = 1
	ModeSet      StrengthMode = 2
)

// Channel identifies channel A or B in the wire grammar's numeric form.
type Channel int

const (
	ChannelA Channel = 1
	ChannelB Channel = 2
)

// EncodeStrengthCommand builds the controller-to-app strength command
// payload "strength-<c>+<m>+<v>", clamping v into 0..200.
func EncodeStrengthCommand(ch Channel, mode StrengthMode, value int) string {
	return fmt.Sprintf("strength-%d+%d+%d", ch, mode, Clamp(value))
}

// EncodeWaveformCommand builds the "pulse-<channel>:<json-array-of-hex>"
// payload for a batch of 16-hex-character pulse frames.
func EncodeWaveformCommand(channelLabel string, frames []string) (string, error) {
	b, err := json.Marshal(frames)
	if err != nil {
		return "", fmt.Errorf("wire: encode waveform batch: %w", err)
	}
	return fmt.Sprintf("pulse-%s:%s", channelLabel, string(b)), nil
}

// EncodeClearCommand builds the "clear-<c>" payload.
func EncodeClearCommand(ch Channel) string {
	return fmt.Sprintf("clear-%d", ch)
}

// IsValidFrame reports whether s is exactly 16 hex characters, the shape
// of one pulse frame. The playback scheduler and send-waveform do not
// call it; frames reach them unchecked.
func IsValidFrame(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, r := range s {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
