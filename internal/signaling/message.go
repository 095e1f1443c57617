package signaling

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/core"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	OfferMethod        Method = "offer"
	AnswerMethod       Method = "answer"
	ICECandidateMethod Method = "iceCandidate"
	PresenceMethod     Method = "presence"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
)

// Message is a single signaling record exchanged through the channel. It is
// never held as durable local state beyond immediate processing.
type Message interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpcMessage struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

// Presence announces a participant's membership in a room. Inactive marks a
// peer that stopped answering so other members stop attempting to reach it.
type Presence struct {
	ParticipantID core.ParticipantID `json:"participantId"`
	Inactive      bool               `json:"inactive,omitempty"`
}

type DescriptionParams struct {
	From    core.ParticipantID        `json:"from"`
	To      core.ParticipantID        `json:"to"`
	Payload webrtc.SessionDescription `json:"payload"`
}

type CandidateParams struct {
	From      core.ParticipantID      `json:"from"`
	To        core.ParticipantID      `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Offer message
type OfferMessage struct {
	jsonRpcHead
	Params DescriptionParams `json:"params"`
}

func NewOfferMessage(from, to core.ParticipantID, desc webrtc.SessionDescription) *OfferMessage {
	return &OfferMessage{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  OfferMethod,
		},
		Params: DescriptionParams{From: from, To: to, Payload: desc},
	}
}

func (m OfferMessage) GetMethod() Method {
	return m.Method
}

func (m OfferMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Answer message
type AnswerMessage struct {
	jsonRpcHead
	Params DescriptionParams `json:"params"`
}

func NewAnswerMessage(from, to core.ParticipantID, desc webrtc.SessionDescription) *AnswerMessage {
	return &AnswerMessage{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  AnswerMethod,
		},
		Params: DescriptionParams{From: from, To: to, Payload: desc},
	}
}

func (m AnswerMessage) GetMethod() Method {
	return m.Method
}

func (m AnswerMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ICE candidate message
type ICECandidateMessage struct {
	jsonRpcHead
	Params CandidateParams `json:"params"`
}

func NewICECandidateMessage(from, to core.ParticipantID, candidate webrtc.ICECandidateInit) *ICECandidateMessage {
	return &ICECandidateMessage{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ICECandidateMethod,
		},
		Params: CandidateParams{From: from, To: to, Candidate: candidate},
	}
}

func (m ICECandidateMessage) GetMethod() Method {
	return m.Method
}

func (m ICECandidateMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Presence message
type PresenceMessage struct {
	jsonRpcHead
	Params Presence `json:"params"`
}

func NewPresenceMessage(presence Presence) *PresenceMessage {
	return &PresenceMessage{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  PresenceMethod,
		},
		Params: presence,
	}
}

func (m PresenceMessage) GetMethod() Method {
	return m.Method
}

func (m PresenceMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromReader decodes a single signaling envelope into its typed form.
func MessageFromReader(reader io.Reader) (Message, error) {
	raw := &jsonRpcMessage{}

	if err := json.NewDecoder(reader).Decode(raw); err != nil {
		return nil, ErrMalformedMessage
	}

	switch raw.Method {
	case OfferMethod:
		params := DescriptionParams{}
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return nil, ErrMalformedMessage
		}

		return NewOfferMessage(params.From, params.To, params.Payload), nil
	case AnswerMethod:
		params := DescriptionParams{}
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return nil, ErrMalformedMessage
		}

		return NewAnswerMessage(params.From, params.To, params.Payload), nil
	case ICECandidateMethod:
		params := CandidateParams{}
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return nil, ErrMalformedMessage
		}

		return NewICECandidateMessage(params.From, params.To, params.Candidate), nil
	case PresenceMethod:
		presence := Presence{}
		if err := json.Unmarshal(raw.Params, &presence); err != nil {
			return nil, ErrMalformedMessage
		}

		return NewPresenceMessage(presence), nil
	default:
		return nil, ErrUnknownMessageType
	}
}
