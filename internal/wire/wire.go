// Package wire defines the JSON event protocol spoken over the WebSocket
// connection. Inbound events are decoded strictly (unknown fields and
// trailing data are rejected) and validated per type; offer/answer/candidate
// payloads are shape-checked but otherwise relayed verbatim.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type EventType string

// Client -> server events.
const (
	EventRegisterIdentity EventType = "register-identity"
	EventCallUser         EventType = "call-user"
	EventCallAnswer       EventType = "call-answer"
	EventICECandidate     EventType = "ice-candidate"
	EventEndCall          EventType = "end-call"
	EventSendMessage      EventType = "send-message"
)

// Server -> client events. ice-candidate flows in both directions.
const (
	EventOnlineUsers      EventType = "online-users"
	EventUserStatusChange EventType = "user-status-change"
	EventIncomingCall     EventType = "incoming-call"
	EventCallFailed       EventType = "call-failed"
	EventCallAccepted     EventType = "call-accepted"
	EventCallRejected     EventType = "call-rejected"
	EventCallEnded        EventType = "call-ended"
	EventReceiveMessage   EventType = "receive-message"
)

// call-failed reasons.
const (
	ReasonUserNotConnected = "user-not-connected"
	ReasonCallInProgress   = "call-in-progress"
	ReasonCallTimeout      = "call-timeout"
)

// Envelope is the outer frame of every event.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RegisterIdentity binds the connection to a user identity.
type RegisterIdentity struct {
	UserID   UserID   `json:"userId"`
	UserInfo UserInfo `json:"userInfo"`
}

// CallUser initiates a call attempt. Offer is an opaque session description
// produced by the caller's media stack.
type CallUser struct {
	To      UserID          `json:"to"`
	From    UserInfo        `json:"from"`
	Offer   json.RawMessage `json:"offer"`
	IsVideo bool            `json:"isVideo,omitempty"`
}

// CallAnswer accepts or rejects a ringing call. Answer is required only when
// Accepted is true.
type CallAnswer struct {
	To       UserID          `json:"to"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Accepted bool            `json:"accepted"`
}

// ICECandidate relays one network-path candidate to the other party.
type ICECandidate struct {
	To        UserID          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type EndCall struct {
	To UserID `json:"to"`
}

// ChatMessage is the live-push chat payload. Persistence and history are the
// REST collaborator's problem; the relay only forwards to currently-online
// recipients. ID, ReplyTo and ParentMessageID are opaque to the relay.
type ChatMessage struct {
	ID              json.RawMessage `json:"id"`
	Text            string          `json:"text,omitempty"`
	SenderID        string          `json:"senderId,omitempty"`
	SenderDBID      UserID          `json:"senderDbId"`
	ReceiverDBID    *UserID         `json:"receiverDbId,omitempty"`
	GroupID         int64           `json:"groupId,omitempty"`
	Time            string          `json:"time,omitempty"`
	ReplyTo         json.RawMessage `json:"replyTo,omitempty"`
	ParentMessageID json.RawMessage `json:"parentMessageId,omitempty"`
	ImageURL        string          `json:"imageUrl,omitempty"`
}

// Server -> client payloads.

type UserStatusChange struct {
	UserID   UserID `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type IncomingCall struct {
	From    UserInfo        `json:"from"`
	Offer   json.RawMessage `json:"offer"`
	IsVideo bool            `json:"isVideo,omitempty"`
}

type CallFailed struct {
	Reason string `json:"reason"`
}

type CallAccepted struct {
	Answer json.RawMessage `json:"answer"`
}

// ClientEvent is the decoded form of one inbound event. Exactly one payload
// field is non-nil, matching Type.
type ClientEvent struct {
	Type EventType

	Register     *RegisterIdentity
	CallUser     *CallUser
	CallAnswer   *CallAnswer
	ICECandidate *ICECandidate
	EndCall      *EndCall
	SendMessage  *ChatMessage
}

// ParseClientEvent decodes and validates one inbound frame.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return ClientEvent{}, fmt.Errorf("invalid event frame: %w", err)
	}

	ev := ClientEvent{Type: env.Event}
	switch env.Event {
	case EventRegisterIdentity:
		var p RegisterIdentity
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.UserID == 0 {
			return ClientEvent{}, fmt.Errorf("register-identity missing userId")
		}
		if p.UserInfo.ID == 0 {
			p.UserInfo.ID = p.UserID
		}
		if p.UserID != p.UserInfo.ID {
			return ClientEvent{}, fmt.Errorf("register-identity userId %s does not match userInfo.id %s", p.UserID, p.UserInfo.ID)
		}
		ev.Register = &p

	case EventCallUser:
		var p CallUser
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		if err := validateSessionDescription(p.Offer, "offer"); err != nil {
			return ClientEvent{}, err
		}
		ev.CallUser = &p

	case EventCallAnswer:
		var p CallAnswer
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.Accepted {
			if err := validateSessionDescription(p.Answer, "answer"); err != nil {
				return ClientEvent{}, err
			}
		}
		ev.CallAnswer = &p

	case EventICECandidate:
		var p ICECandidate
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		if err := validateCandidate(p.Candidate); err != nil {
			return ClientEvent{}, err
		}
		ev.ICECandidate = &p

	case EventEndCall:
		var p EndCall
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		ev.EndCall = &p

	case EventSendMessage:
		var p ChatMessage
		if err := decodePayload(env.Data, &p); err != nil {
			return ClientEvent{}, err
		}
		if len(p.ID) == 0 {
			return ClientEvent{}, fmt.Errorf("send-message missing id")
		}
		if p.ReceiverDBID != nil && p.GroupID != 0 {
			return ClientEvent{}, fmt.Errorf("send-message must not set both receiverDbId and groupId")
		}
		ev.SendMessage = &p

	default:
		return ClientEvent{}, fmt.Errorf("unsupported event type %q", env.Event)
	}

	return ev, nil
}

// Marshal frames a server-side payload for delivery. Events with no payload
// (call-rejected, call-ended) take a nil payload.
func Marshal(event EventType, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// validateSessionDescription shape-checks an opaque SDP payload. The bytes
// are forwarded verbatim; only the {type, sdp} envelope is enforced so a
// malformed blob is rejected at the edge instead of poisoning the callee.
func validateSessionDescription(raw json.RawMessage, wantType string) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing %s payload", wantType)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", wantType, err)
	}
	if desc.Type.String() != wantType {
		return fmt.Errorf("%s payload has sdp type %q", wantType, desc.Type.String())
	}
	if desc.SDP == "" {
		return fmt.Errorf("%s payload has empty sdp", wantType)
	}
	return nil
}

func validateCandidate(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing candidate payload")
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}
	// An empty candidate string signals end-of-candidates and is legal.
	return nil
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing event payload")
	}
	if err := decodeStrict(data, v); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
