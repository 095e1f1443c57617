package core

// ParticipantID is an opaque participant identity, unique within a room and
// stable for the lifetime of a session.
type ParticipantID string

// RoomID identifies a call room allocated through the signaling channel.
type RoomID string

// Role is the side this participant took in a two-party negotiation.
type Role string

const (
	// Offerer proposes first: it creates and sends the offer.
	Offerer Role = "offerer"
	// Answerer responds to an incoming offer.
	Answerer Role = "answerer"
)
