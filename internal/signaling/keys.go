package signaling

import "github.com/meshrtc/meshcall/internal/core"

// keys builds the redis key layout for one deployment prefix:
//
//	{prefix}:room:{id}                  room marker
//	{prefix}:room:{id}:participants     presence hash, pid -> record
//	{prefix}:room:{id}:offer:{a}:{b}    offer slot a -> b
//	{prefix}:room:{id}:answer:{a}:{b}   answer slot a -> b
//	{prefix}:room:{id}:cand:{a}:{b}     candidate stream a -> b
//	{prefix}:room:{id}:events           pubsub channel
type keys struct {
	prefix string
}

func (k keys) room(room core.RoomID) string {
	return k.prefix + ":room:" + string(room)
}

func (k keys) participants(room core.RoomID) string {
	return k.room(room) + ":participants"
}

func (k keys) offer(room core.RoomID, from, to core.ParticipantID) string {
	return k.room(room) + ":offer:" + string(from) + ":" + string(to)
}

func (k keys) answer(room core.RoomID, from, to core.ParticipantID) string {
	return k.room(room) + ":answer:" + string(from) + ":" + string(to)
}

func (k keys) candidates(room core.RoomID, from, to core.ParticipantID) string {
	return k.room(room) + ":cand:" + string(from) + ":" + string(to)
}

func (k keys) events(room core.RoomID) string {
	return k.room(room) + ":events"
}
