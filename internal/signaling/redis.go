package signaling

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/telemetry"
)

// Room records expire on their own when nobody cleans them up, e.g. after a
// crashed participant.
const roomTTL = 24 * time.Hour

// RedisChannel is the primary Channel implementation, backed by redis
// key/value state and a per-room pubsub events channel.
type RedisChannel struct {
	rdb  *redis.Client
	keys keys
}

func NewRedisChannel(rdb *redis.Client, prefix string) *RedisChannel {
	if prefix == "" {
		prefix = "meshcall"
	}
	return &RedisChannel{
		rdb:  rdb,
		keys: keys{prefix: prefix},
	}
}

func (c *RedisChannel) CreateRoom(ctx context.Context) (core.RoomID, error) {
	room := core.RoomID(uuid.NewString())
	if err := c.rdb.Set(ctx, c.keys.room(room), "1", roomTTL).Err(); err != nil {
		return "", err
	}

	return room, nil
}

func (c *RedisChannel) RoomExists(ctx context.Context, room core.RoomID) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.keys.room(room)).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (c *RedisChannel) PublishPresence(ctx context.Context, room core.RoomID, presence Presence) error {
	raw, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	if err := c.rdb.HSet(ctx, c.keys.participants(room), string(presence.ParticipantID), raw).Err(); err != nil {
		return err
	}

	return c.publish(ctx, room, NewPresenceMessage(presence))
}

func (c *RedisChannel) RemovePresence(ctx context.Context, room core.RoomID, id core.ParticipantID) error {
	return c.rdb.HDel(ctx, c.keys.participants(room), string(id)).Err()
}

func (c *RedisChannel) Presences(ctx context.Context, room core.RoomID) ([]Presence, error) {
	records, err := c.rdb.HGetAll(ctx, c.keys.participants(room)).Result()
	if err != nil {
		return nil, err
	}

	presences := make([]Presence, 0, len(records))
	for _, raw := range records {
		presence := Presence{}
		if err := json.Unmarshal([]byte(raw), &presence); err != nil {
			log.Warn().Err(err).Str("service", "signaling").Msg("skip malformed presence record")
			continue
		}
		presences = append(presences, presence)
	}

	return presences, nil
}

func (c *RedisChannel) SendOffer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	if err := c.setSlot(ctx, c.keys.offer(room, from, to), desc); err != nil {
		return err
	}

	return c.publish(ctx, room, NewOfferMessage(from, to, desc))
}

func (c *RedisChannel) SendAnswer(ctx context.Context, room core.RoomID, from, to core.ParticipantID, desc webrtc.SessionDescription) error {
	if err := c.setSlot(ctx, c.keys.answer(room, from, to), desc); err != nil {
		return err
	}

	return c.publish(ctx, room, NewAnswerMessage(from, to, desc))
}

func (c *RedisChannel) SendCandidate(ctx context.Context, room core.RoomID, from, to core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	if err := c.rdb.RPush(ctx, c.keys.candidates(room, from, to), raw).Err(); err != nil {
		return err
	}

	return c.publish(ctx, room, NewICECandidateMessage(from, to, candidate))
}

func (c *RedisChannel) OfferFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) (webrtc.SessionDescription, bool, error) {
	return c.takeSlot(ctx, c.keys.offer(room, from, to))
}

// takeSlot consumes a description slot, so a record is delivered at most once.
func (c *RedisChannel) takeSlot(ctx context.Context, key string) (webrtc.SessionDescription, bool, error) {
	desc := webrtc.SessionDescription{}

	raw, err := c.rdb.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return desc, false, nil
	}
	if err != nil {
		return desc, false, err
	}
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, false, err
	}

	return desc, true, nil
}

func (c *RedisChannel) CandidatesFor(ctx context.Context, room core.RoomID, from, to core.ParticipantID) ([]webrtc.ICECandidateInit, error) {
	key := c.keys.candidates(room, from, to)

	pipe := c.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raws := rangeCmd.Val()
	candidates := make([]webrtc.ICECandidateInit, 0, len(raws))
	for _, raw := range raws {
		candidate := webrtc.ICECandidateInit{}
		if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, room core.RoomID, self core.ParticipantID) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, c.keys.events(room))
	// Wait until the subscription is created, so no realtime message can
	// slip between snapshot and stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	messages := make(chan Message, 64)
	go func() {
		defer close(messages)

		c.emitSnapshot(ctx, room, self, messages)

		for msg := range pubsub.Channel() {
			m, err := MessageFromReader(strings.NewReader(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("service", "signaling").Msg("drop undecodable event")
				continue
			}
			if !addressedTo(m, self) {
				continue
			}

			telemetry.SignalingCounter.WithLabelValues(string(m.GetMethod()), "in").Inc()
			messages <- m
		}
	}()

	return NewSubscription(messages, pubsub.Close), nil
}

// emitSnapshot replays the room state addressed to self: presence records,
// then per known sender the pending offer and answer slots and the candidate
// backlog. Answer slots cover a subscriber that reconnects between sending an
// offer and the answer notification.
func (c *RedisChannel) emitSnapshot(ctx context.Context, room core.RoomID, self core.ParticipantID, messages chan<- Message) {
	presences, err := c.Presences(ctx, room)
	if err != nil {
		log.Error().Err(err).Str("service", "signaling").Msg("can't read presence snapshot")
		return
	}

	for _, presence := range presences {
		messages <- NewPresenceMessage(presence)

		from := presence.ParticipantID
		if from == self {
			continue
		}

		desc, ok, err := c.OfferFor(ctx, room, from, self)
		if err != nil {
			log.Error().Err(err).Str("service", "signaling").Str("from", string(from)).Msg("can't read offer slot")
			continue
		}
		if ok {
			messages <- NewOfferMessage(from, self, desc)
		}

		answer, ok, err := c.takeSlot(ctx, c.keys.answer(room, from, self))
		if err != nil {
			log.Error().Err(err).Str("service", "signaling").Str("from", string(from)).Msg("can't read answer slot")
			continue
		}
		if ok {
			messages <- NewAnswerMessage(from, self, answer)
		}

		candidates, err := c.CandidatesFor(ctx, room, from, self)
		if err != nil {
			log.Error().Err(err).Str("service", "signaling").Str("from", string(from)).Msg("can't read candidate backlog")
			continue
		}
		for _, candidate := range candidates {
			messages <- NewICECandidateMessage(from, self, candidate)
		}
	}
}

func (c *RedisChannel) CleanupPair(ctx context.Context, room core.RoomID, a, b core.ParticipantID) error {
	return c.rdb.Del(ctx,
		c.keys.offer(room, a, b),
		c.keys.offer(room, b, a),
		c.keys.answer(room, a, b),
		c.keys.answer(room, b, a),
		c.keys.candidates(room, a, b),
		c.keys.candidates(room, b, a),
	).Err()
}

func (c *RedisChannel) Close() error {
	return c.rdb.Close()
}

func (c *RedisChannel) setSlot(ctx context.Context, key string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, raw, roomTTL).Err()
}

func (c *RedisChannel) publish(ctx context.Context, room core.RoomID, msg Message) error {
	raw, err := msg.ToJSON()
	if err != nil {
		return err
	}

	telemetry.SignalingCounter.WithLabelValues(string(msg.GetMethod()), "out").Inc()

	return c.rdb.Publish(ctx, c.keys.events(room), raw).Err()
}

// addressedTo filters room-wide events down to what this participant should
// observe: everything presence, plus directed records addressed to self.
func addressedTo(m Message, self core.ParticipantID) bool {
	switch msg := m.(type) {
	case *OfferMessage:
		return msg.Params.To == self
	case *AnswerMessage:
		return msg.Params.To == self
	case *ICECandidateMessage:
		return msg.Params.To == self
	case *PresenceMessage:
		return true
	default:
		return false
	}
}
