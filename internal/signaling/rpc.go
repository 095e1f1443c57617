package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"github.com/meshrtc/meshcall/internal/core"
)

// Relay RPC methods. The relay backend speaks request/response JSON-RPC for
// channel operations; signaling records come back as plain envelope
// notifications (no id).
const (
	RelayCreateRoom      Method = "createRoom"
	RelayRoomExists      Method = "roomExists"
	RelayPublishPresence Method = "publishPresence"
	RelayRemovePresence  Method = "removePresence"
	RelayPresences       Method = "presences"
	RelaySendOffer       Method = "sendOffer"
	RelaySendAnswer      Method = "sendAnswer"
	RelaySendCandidate   Method = "sendCandidate"
	RelayOfferFor        Method = "offerFor"
	RelayCandidatesFor   Method = "candidatesFor"
	RelaySubscribe       Method = "subscribe"
	RelayCleanupPair     Method = "cleanupPair"
)

type RelayRequest struct {
	Version string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type RelayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RelayError) Error() string {
	return e.Message
}

type RelayResponse struct {
	Version string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RelayError     `json:"error,omitempty"`
}

func NewRelayRequest(id int64, method Method, params interface{}) (*RelayRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	return &RelayRequest{
		Version: jsonRpcVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// Relay RPC params and results.

type RoomParams struct {
	Room core.RoomID `json:"room"`
}

type PresenceParams struct {
	Room     core.RoomID `json:"room"`
	Presence Presence    `json:"presence"`
}

type ParticipantParams struct {
	Room          core.RoomID        `json:"room"`
	ParticipantID core.ParticipantID `json:"participantId"`
}

type PairParams struct {
	Room core.RoomID        `json:"room"`
	From core.ParticipantID `json:"from"`
	To   core.ParticipantID `json:"to"`
}

type DescriptionRpcParams struct {
	PairParams
	Payload webrtc.SessionDescription `json:"payload"`
}

type CandidateRpcParams struct {
	PairParams
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CreateRoomResult struct {
	Room core.RoomID `json:"roomId"`
}

type RoomExistsResult struct {
	Exists bool `json:"exists"`
}

type PresencesResult struct {
	Presences []Presence `json:"presences"`
}

type OfferForResult struct {
	Payload webrtc.SessionDescription `json:"payload"`
	Ok      bool                      `json:"ok"`
}

type CandidatesForResult struct {
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
}

// SubscribeResult carries the initial room snapshot as raw envelopes, in
// replay order.
type SubscribeResult struct {
	Snapshot []json.RawMessage `json:"snapshot"`
}
