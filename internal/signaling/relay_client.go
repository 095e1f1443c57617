package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/telemetry"
)

var ErrChannelClosed = errors.New("signaling channel closed")

type relayCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// RelayChannel is the Channel implementation backed by the websocket relay.
// Channel operations go out as JSON-RPC requests; signaling records come
// back as envelope notifications on the same connection.
type RelayChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	nextID     int64
	pending    map[int64]*relayCall
	messages   chan Message
	self       core.ParticipantID
	replayQuit chan struct{}
	replayDone chan struct{}
	closed     bool
}

// DialRelay connects to a relay instance, e.g. ws://localhost:3001/ws.
func DialRelay(ctx context.Context, url string) (*RelayChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &RelayChannel{
		conn:    conn,
		pending: make(map[int64]*relayCall),
	}
	go c.readLoop()

	return c, nil
}

func (c *RelayChannel) CreateRoom(ctx context.Context) (core.RoomID, error) {
	result := CreateRoomResult{}
	if err := c.call(ctx, RelayCreateRoom, struct{}{}, &result); err != nil {
		return "", err
	}

	return result.Room, nil
}

func (c *RelayChannel) RoomExists(ctx context.Context, room core.RoomID) (bool, error) {
	result := RoomExistsResult{}
	if err := c.call(ctx, RelayRoomExists, RoomParams{Room: room}, &result); err != nil {
		return false, err
	}

	return result.Exists, nil
}

func (c *RelayChannel) PublishPresence(ctx context.Context, room core.RoomID, presence Presence) error {
	return c.call(ctx, RelayPublishPresence, PresenceParams{Room: room, Presence: presence}, nil)
}

func (c *RelayChannel) RemovePresence(ctx context.Context, room core.RoomID, id core.ParticipantID) error {
	return c.call(ctx, RelayRemovePresence, ParticipantParams{Room: room, ParticipantID: id}, nil)
}

func (c *RelayChannel) Presences(ctx context.Context, room core.RoomID) ([]Presence, error) {
	result := PresencesResult{}
	if err := c.call(ctx, RelayPresences, RoomParams{Room: room}, &result); err != nil {
		return nil, err
	}

	return result.Presences, nil
}

func (c *RelayChannel) SendOffer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	telemetry.SignalingCounter.WithLabelValues(string(OfferMethod), "out").Inc()

	params := DescriptionRpcParams{PairParams: PairParams{Room: room, From: from, To: to}, Payload: desc}
	return c.call(ctx, RelaySendOffer, params, nil)
}

func (c *RelayChannel) SendAnswer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	telemetry.SignalingCounter.WithLabelValues(string(AnswerMethod), "out").Inc()

	params := DescriptionRpcParams{PairParams: PairParams{Room: room, From: from, To: to}, Payload: desc}
	return c.call(ctx, RelaySendAnswer, params, nil)
}

func (c *RelayChannel) SendCandidate(ctx context.Context, room core.RoomID, from, to core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	telemetry.SignalingCounter.WithLabelValues(string(ICECandidateMethod), "out").Inc()

	params := CandidateRpcParams{PairParams: PairParams{Room: room, From: from, To: to}, Candidate: candidate}
	return c.call(ctx, RelaySendCandidate, params, nil)
}

func (c *RelayChannel) OfferFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) (webrtc.SessionDescription, bool, error) {
	result := OfferForResult{}
	if err := c.call(ctx, RelayOfferFor, PairParams{Room: room, From: from, To: to}, &result); err != nil {
		return webrtc.SessionDescription{}, false, err
	}

	return result.Payload, result.Ok, nil
}

func (c *RelayChannel) CandidatesFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) ([]webrtc.ICECandidateInit, error) {
	result := CandidatesForResult{}
	if err := c.call(ctx, RelayCandidatesFor, PairParams{Room: room, From: from, To: to}, &result); err != nil {
		return nil, err
	}

	return result.Candidates, nil
}

func (c *RelayChannel) Subscribe(ctx context.Context, room core.RoomID, self core.ParticipantID) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	messages := make(chan Message, 64)
	quit := make(chan struct{})
	done := make(chan struct{})
	c.messages = messages
	c.self = self
	c.replayQuit = quit
	c.replayDone = done
	c.mu.Unlock()

	result := SubscribeResult{}
	if err := c.call(ctx, RelaySubscribe, ParticipantParams{Room: room, ParticipantID: self}, &result); err != nil {
		c.mu.Lock()
		c.messages = nil
		c.replayQuit = nil
		c.replayDone = nil
		c.mu.Unlock()
		return nil, err
	}

	// Replay the snapshot with blocking sends. A dropped replay record is
	// unrecoverable for the subscriber, so only live notifications are
	// subject to the drop-on-full policy.
	go c.replaySnapshot(result.Snapshot, messages, self, quit, done)

	return NewSubscription(messages, func() error {
		c.teardownSubscription()
		return nil
	}), nil
}

func (c *RelayChannel) replaySnapshot(raws []json.RawMessage, messages chan<- Message, self core.ParticipantID, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for _, raw := range raws {
		m, err := MessageFromReader(bytes.NewReader(raw))
		if err != nil {
			log.Warn().Err(err).Str("service", "signaling").Msg("drop undecodable snapshot record")
			continue
		}
		if !addressedTo(m, self) {
			continue
		}

		telemetry.SignalingCounter.WithLabelValues(string(m.GetMethod()), "in").Inc()

		select {
		case messages <- m:
		case <-quit:
			return
		}
	}
}

// teardownSubscription detaches the messages channel and closes it once the
// snapshot replay has stopped, so the subscriber's receive loop terminates.
func (c *RelayChannel) teardownSubscription() {
	c.mu.Lock()
	messages := c.messages
	quit := c.replayQuit
	done := c.replayDone
	c.messages = nil
	c.replayQuit = nil
	c.replayDone = nil
	c.mu.Unlock()

	if messages == nil {
		return
	}

	close(quit)
	<-done
	close(messages)
}

func (c *RelayChannel) CleanupPair(ctx context.Context, room core.RoomID, a, b core.ParticipantID) error {
	return c.call(ctx, RelayCleanupPair, PairParams{Room: room, From: a, To: b}, nil)
}

func (c *RelayChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *RelayChannel) call(ctx context.Context, method Method, params interface{}, result interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	call := &relayCall{
		done: make(chan struct{}),
	}
	c.pending[id] = call
	c.mu.Unlock()

	req, err := NewRelayRequest(id, method, params)
	if err != nil {
		c.forget(id)
		return err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-call.done:
	}

	if call.err != nil {
		return call.err
	}
	if result != nil && call.result != nil {
		return json.Unmarshal(call.result, result)
	}

	return nil
}

func (c *RelayChannel) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *RelayChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		c.dispatch(data)
	}

	// Fail whatever is still waiting; the connection is gone.
	c.mu.Lock()
	c.closed = true
	for id, call := range c.pending {
		call.err = ErrChannelClosed
		close(call.done)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.teardownSubscription()
}

func (c *RelayChannel) dispatch(data []byte) {
	head := struct {
		ID *int64 `json:"id"`
	}{}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Warn().Str("service", "signaling").Msg("drop undecodable relay frame")
		return
	}

	if head.ID == nil {
		c.dispatchNotification(data)
		return
	}

	resp := RelayResponse{}
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Warn().Str("service", "signaling").Msg("drop undecodable relay response")
		return
	}

	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if resp.Error != nil {
		call.err = resp.Error
		close(call.done)
		return
	}

	call.result = resp.Result
	close(call.done)
}

func (c *RelayChannel) dispatchNotification(data []byte) {
	m, err := MessageFromReader(bytes.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Str("service", "signaling").Msg("drop undecodable notification")
		return
	}

	// The non-blocking send happens under the lock so the channel cannot be
	// closed out from under it.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.messages == nil || !addressedTo(m, c.self) {
		return
	}

	telemetry.SignalingCounter.WithLabelValues(string(m.GetMethod()), "in").Inc()

	select {
	case c.messages <- m:
	default:
		log.Warn().Str("service", "signaling").Str("method", string(m.GetMethod())).Msg("subscriber is slow, drop message")
	}
}
