package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/meshcall/internal/core"
	"github.com/meshrtc/meshcall/internal/signaling"
)

const sessionSubKey = "sub"

// session binding, set once the client subscribes to a room.
type subscriber struct {
	room core.RoomID
	id   core.ParticipantID
}

// AppOptions is options of the relay application
type AppOptions struct {
	Env     core.Environment
	Address string

	websocket *melody.Melody
}

// App is the websocket relay: a Channel backend for deployments without
// redis. It keeps rendezvous state in memory and fans envelope notifications
// out to subscribed room members.
type App struct {
	AppOptions

	store *Store

	mu      sync.Mutex
	members map[core.RoomID]map[core.ParticipantID]*melody.Session
}

func New(options AppOptions) *App {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 200 * 1024 // 200K

	return &App{
		AppOptions: options,
		store:      NewStore(),
		members:    make(map[core.RoomID]map[core.ParticipantID]*melody.Session),
	}
}

func (app *App) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	app.initLogger()
	router := app.initRouter()

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the relay")
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Msg("the relay is going shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the relay")
		}
	}()

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("relay has been closed immediatelly")
	}

	<-done
	log.Info().Msg("relay stopped")

	return nil
}

func (app *App) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

func (app *App) initRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleMessage(app.handleMessage)
	app.websocket.HandleDisconnect(app.handleDisconnect)
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "relay").Msg("error in websocket session")
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		sessKeys := make(map[string]interface{})
		if err := app.websocket.HandleRequestWithKeys(w, req, sessKeys); err != nil {
			log.Error().Err(err).Str("service", "relay").Msg("can't handle request")
		}
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	return r
}

func (app *App) handleMessage(s *melody.Session, data []byte) {
	req := &signaling.RelayRequest{}
	if err := json.Unmarshal(data, req); err != nil || req.Method == "" {
		log.Warn().Str("service", "relay").Msg("drop malformed request")
		return
	}

	switch req.Method {
	case signaling.RelayCreateRoom:
		app.reply(s, req.ID, signaling.CreateRoomResult{Room: app.store.CreateRoom()})
	case signaling.RelayRoomExists:
		params := signaling.RoomParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.reply(s, req.ID, signaling.RoomExistsResult{Exists: app.store.RoomExists(params.Room)})
	case signaling.RelayPublishPresence:
		params := signaling.PresenceParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.PublishPresence(params.Room, params.Presence)
		app.notifyRoom(params.Room, params.Presence.ParticipantID, signaling.NewPresenceMessage(params.Presence))
		app.reply(s, req.ID, struct{}{})
	case signaling.RelayRemovePresence:
		params := signaling.ParticipantParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.RemovePresence(params.Room, params.ParticipantID)
		app.reply(s, req.ID, struct{}{})
	case signaling.RelayPresences:
		params := signaling.RoomParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.reply(s, req.ID, signaling.PresencesResult{Presences: app.store.Presences(params.Room)})
	case signaling.RelaySendOffer:
		params := signaling.DescriptionRpcParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.SetOffer(params.Room, params.From, params.To, params.Payload)
		app.notifyParticipant(params.Room, params.To, signaling.NewOfferMessage(params.From, params.To, params.Payload))
		app.reply(s, req.ID, struct{}{})
	case signaling.RelaySendAnswer:
		params := signaling.DescriptionRpcParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.SetAnswer(params.Room, params.From, params.To, params.Payload)
		app.notifyParticipant(params.Room, params.To, signaling.NewAnswerMessage(params.From, params.To, params.Payload))
		app.reply(s, req.ID, struct{}{})
	case signaling.RelaySendCandidate:
		params := signaling.CandidateRpcParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.AppendCandidate(params.Room, params.From, params.To, params.Candidate)
		app.notifyParticipant(params.Room, params.To, signaling.NewICECandidateMessage(params.From, params.To, params.Candidate))
		app.reply(s, req.ID, struct{}{})
	case signaling.RelayOfferFor:
		params := signaling.PairParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		desc, ok := app.store.TakeOffer(params.Room, params.From, params.To)
		app.reply(s, req.ID, signaling.OfferForResult{Payload: desc, Ok: ok})
	case signaling.RelayCandidatesFor:
		params := signaling.PairParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.reply(s, req.ID, signaling.CandidatesForResult{Candidates: app.store.TakeCandidates(params.Room, params.From, params.To)})
	case signaling.RelaySubscribe:
		params := signaling.ParticipantParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.subscribe(s, req.ID, params.Room, params.ParticipantID)
	case signaling.RelayCleanupPair:
		params := signaling.PairParams{}
		if !app.decodeParams(s, req, &params) {
			return
		}
		app.store.CleanupPair(params.Room, params.From, params.To)
		app.reply(s, req.ID, struct{}{})
	default:
		app.replyError(s, req.ID, "undefined method: "+string(req.Method))
	}
}

// subscribe binds the session to the room and replies with the state
// snapshot addressed to the participant. A notification racing the reply can
// reach the client before the snapshot; subscribers are expected to apply
// records idempotently, which the session guards on the client side provide.
func (app *App) subscribe(s *melody.Session, reqID int64, room core.RoomID, id core.ParticipantID) {
	app.mu.Lock()
	sessions, ok := app.members[room]
	if !ok {
		sessions = make(map[core.ParticipantID]*melody.Session)
		app.members[room] = sessions
	}
	sessions[id] = s
	app.mu.Unlock()

	s.Keys[sessionSubKey] = &subscriber{room: room, id: id}

	snapshot := []json.RawMessage{}
	appendMsg := func(m signaling.Message) {
		raw, err := m.ToJSON()
		if err != nil {
			return
		}
		snapshot = append(snapshot, raw)
	}

	for _, presence := range app.store.Presences(room) {
		appendMsg(signaling.NewPresenceMessage(presence))

		from := presence.ParticipantID
		if from == id {
			continue
		}
		if desc, ok := app.store.TakeOffer(room, from, id); ok {
			appendMsg(signaling.NewOfferMessage(from, id, desc))
		}
		if desc, ok := app.store.TakeAnswer(room, from, id); ok {
			appendMsg(signaling.NewAnswerMessage(from, id, desc))
		}
		for _, candidate := range app.store.TakeCandidates(room, from, id) {
			appendMsg(signaling.NewICECandidateMessage(from, id, candidate))
		}
	}

	log.Debug().Str("service", "relay").Str("room", string(room)).Str("participant", string(id)).Msg("subscribed")

	app.reply(s, reqID, signaling.SubscribeResult{Snapshot: snapshot})
}

func (app *App) handleDisconnect(s *melody.Session) {
	sub, ok := s.Keys[sessionSubKey].(*subscriber)
	if !ok {
		return
	}

	app.mu.Lock()
	if sessions, ok := app.members[sub.room]; ok {
		if sessions[sub.id] == s {
			delete(sessions, sub.id)
		}
		if len(sessions) == 0 {
			delete(app.members, sub.room)
		}
	}
	app.mu.Unlock()

	log.Debug().Str("service", "relay").Str("room", string(sub.room)).Str("participant", string(sub.id)).Msg("disconnected")
}

func (app *App) notifyParticipant(room core.RoomID, to core.ParticipantID, msg signaling.Message) {
	app.mu.Lock()
	s := app.members[room][to]
	app.mu.Unlock()

	if s == nil {
		// Not subscribed yet; the record stays in the store and is replayed
		// in the subscribe snapshot.
		return
	}

	app.send(s, msg)
}

func (app *App) notifyRoom(room core.RoomID, except core.ParticipantID, msg signaling.Message) {
	app.mu.Lock()
	sessions := make([]*melody.Session, 0, len(app.members[room]))
	for id, s := range app.members[room] {
		if id == except {
			continue
		}
		sessions = append(sessions, s)
	}
	app.mu.Unlock()

	for _, s := range sessions {
		app.send(s, msg)
	}
}

func (app *App) send(s *melody.Session, msg signaling.Message) {
	raw, err := msg.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("can't encode notification")
		return
	}
	if err := s.Write(raw); err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("can't write notification")
	}
}

func (app *App) decodeParams(s *melody.Session, req *signaling.RelayRequest, params interface{}) bool {
	if err := json.Unmarshal(req.Params, params); err != nil {
		app.replyError(s, req.ID, "malformed params")
		return false
	}

	return true
}

func (app *App) reply(s *melody.Session, id int64, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		app.replyError(s, id, "can't encode result")
		return
	}

	resp, err := json.Marshal(signaling.RelayResponse{Version: "2.0", ID: id, Result: raw})
	if err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("can't encode response")
		return
	}

	if err := s.Write(resp); err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("can't write response")
	}
}

func (app *App) replyError(s *melody.Session, id int64, message string) {
	resp, err := json.Marshal(signaling.RelayResponse{
		Version: "2.0",
		ID:      id,
		Error:   &signaling.RelayError{Code: -32600, Message: message},
	})
	if err != nil {
		return
	}

	if err := s.Write(resp); err != nil {
		log.Error().Err(err).Str("service", "relay").Msg("can't write error response")
	}
}
