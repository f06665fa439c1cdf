package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	ErrJoin           = errors.New("unable to join room")
	ErrConnect        = errors.New("unable to connect")
	ErrAlreadyJoined  = errors.New("already joined to a room")
	ErrNotAMember     = errors.New("not a member of this room")
	ErrMalformed      = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
)

type (
	RoomStore interface {
		AddMember(roomID string, p model.Participant, isOwner bool) (model.JoinResult, error)
		RemoveMember(connID string) model.Removal
		ListMembers(roomID string) []model.Participant
		RoomOf(connID string) (string, bool)
		RelayTargets(connID, roomID string) ([]model.Participant, bool)
		Rooms() []model.RoomInfo
		Stats() model.Stats
	}

	Switch interface {
		Connect(connID string, wire model.Wire) error
		Disconnect(connID string)
		Send(connID string, ann model.Announcement) bool
		Multicast(ann model.Announcement, dst []string, src string) int
		Endpoints() int
		Dropped() uint64
	}

	// Service is a session gateway. It decodes inbound frames, maintains
	// room membership in RoomStore and fans out announcements through Switch.
	Service struct {
		store    RoomStore
		sw       Switch
		validate *validator.Validate
		logger   zerolog.Logger

		// membership transitions and their notices are serialized,
		// so every member observes joins and leaves in registry order;
		// relays hold it for reading, so joiner gets its snapshot before any relayed event
		memberMx *sync.RWMutex
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		memberMx: &sync.RWMutex{},
	}
}

// CreateSession registers outbound wire of a freshly established connection.
func (svc *Service) CreateSession(_ context.Context, connID string, wire model.Wire) error {
	if err := svc.sw.Connect(connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().Str("connID", connID).Msg("session created")
	return nil
}

// DeleteSession performs disconnect cleanup. Calling it more than once is a no-op.
func (svc *Service) DeleteSession(_ context.Context, connID string) error {
	svc.sw.Disconnect(connID)
	rm := svc.leave(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("outcome", rm.Outcome.String()).
		Msg("session deleted")
	return nil
}

// HandleFrame decodes and dispatches single inbound frame.
// Rejected frames are answered with error announcement to the sender only.
func (svc *Service) HandleFrame(_ context.Context, frame model.Frame) {
	var env model.Envelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		svc.reject(frame.SRC, "", errors.Join(ErrMalformed, err))
		return
	}
	if err := svc.dispatch(frame.SRC, env); err != nil {
		svc.reject(frame.SRC, env.Event, err)
	}
}

func (svc *Service) dispatch(src string, env model.Envelope) error {
	switch env.Event {
	case model.EventJoinRoom:
		var req model.JoinRoomRequest
		if err := svc.decode(env.Data, &req); err != nil {
			return err
		}
		return svc.joinRoom(src, req)

	case model.EventLeaveRoom:
		if rm := svc.leave(src); rm.Outcome == model.RemovalNotFound {
			return ErrNotAMember
		}
		return nil

	case model.EventDrawing, model.EventErase:
		var req model.StrokeRequest
		if err := svc.decode(env.Data, &req); err != nil {
			return err
		}
		return svc.relay(src, req.RoomID, model.Announcement{
			Event: env.Event,
			Data:  model.StrokePayload{Data: req.Data},
		})

	case model.EventChat:
		var req model.ChatRequest
		if err := svc.decode(env.Data, &req); err != nil {
			return err
		}
		return svc.relay(src, req.RoomID, model.Announcement{
			Event: model.EventChat,
			Data: model.ChatPayload{
				DisplayName: req.DisplayName,
				Message:     req.Message,
			},
		})

	case model.EventSignal:
		var req model.SignalRequest
		if err := svc.decode(env.Data, &req); err != nil {
			return err
		}
		return svc.relay(src, req.RoomID, model.Announcement{
			Event: model.EventSignal,
			Data: model.SignalPayload{
				SenderConnectionID: src,
				SignalPayload:      req.SignalPayload,
			},
		})
	}
	return ErrUnknownEvent
}

func (svc *Service) decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return errors.Join(ErrMalformed, errors.New("payload is missing"))
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	if err := svc.validate.Struct(dst); err != nil {
		return errors.Join(ErrInvalidPayload, err)
	}
	return nil
}

func (svc *Service) joinRoom(connID string, req model.JoinRoomRequest) error {
	svc.memberMx.Lock()
	defer svc.memberMx.Unlock()

	if roomID, ok := svc.store.RoomOf(connID); ok {
		svc.logger.Debug().
			Str("connID", connID).
			Str("roomID", roomID).
			Str("requested", req.RoomID).
			Msg("join rejected, already joined")
		return ErrAlreadyJoined
	}

	p := model.Participant{
		ConnectionID: connID,
		DisplayName:  req.DisplayName,
	}
	res, err := svc.store.AddMember(req.RoomID, p, req.IsOwner)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}

	svc.sw.Multicast(model.Announcement{
		Event: model.EventUserJoined,
		Data:  p,
	}, connIDs(res.Room.Members), connID)
	svc.sw.Send(connID, model.Announcement{
		Event: model.EventRoomUsers,
		Data:  res.Room.Members,
	})

	logger := svc.logger.With().
		Str("connID", connID).
		Str("roomID", req.RoomID).
		Logger()
	if res.OwnerClaimIgnored {
		logger.Info().Str("owner", res.Room.Owner).Msg("owner claim ignored, room already has an owner")
	}
	logger.Debug().
		Str("displayName", req.DisplayName).
		Bool("owner", res.Room.Owner == connID).
		Int("members", len(res.Room.Members)).
		Msg("user joined room")
	if e := logger.Trace(); e.Enabled() {
		e.Msg(spew.Sdump(res.Room))
	}
	return nil
}

// leave removes connection from its room and notifies whoever has to know.
func (svc *Service) leave(connID string) model.Removal {
	svc.memberMx.Lock()
	defer svc.memberMx.Unlock()

	rm := svc.store.RemoveMember(connID)
	logger := svc.logger.With().
		Str("connID", connID).
		Str("roomID", rm.RoomID).
		Logger()

	switch rm.Outcome {
	case model.RemovalRoomClosed:
		n := svc.sw.Multicast(model.Announcement{Event: model.EventRoomClosed}, connIDs(rm.Members), connID)
		logger.Info().
			Str("owner", rm.Member.DisplayName).
			Int("notified", n).
			Msg("room closed, owner left")
	case model.RemovalMemberLeft:
		svc.sw.Multicast(model.Announcement{
			Event: model.EventUserLeft,
			Data:  rm.Member,
		}, connIDs(rm.Members), connID)
		logger.Debug().Str("displayName", rm.Member.DisplayName).Msg("user left room")
	case model.RemovalRoomEmptied:
		logger.Debug().Str("displayName", rm.Member.DisplayName).Msg("last user left, room deleted")
	}
	return rm
}

func (svc *Service) relay(src, roomID string, ann model.Announcement) error {
	svc.memberMx.RLock()
	defer svc.memberMx.RUnlock()

	members, ok := svc.store.RelayTargets(src, roomID)
	if !ok {
		return ErrNotAMember
	}
	svc.sw.Multicast(ann, connIDs(members), src)
	return nil
}

func (svc *Service) reject(src, event string, err error) {
	code := errorCode(err)
	svc.logger.Debug().
		Err(err).
		Str("connID", src).
		Str("event", event).
		Str("code", code).
		Msg("event rejected")
	svc.sw.Send(src, model.Announcement{
		Event: model.EventError,
		Data: model.ErrorPayload{
			Code:    code,
			Message: err.Error(),
			Event:   event,
		},
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return model.ErrCodeInvalidPayload
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownEvent):
		return model.ErrCodeMalformed
	case errors.Is(err, ErrAlreadyJoined):
		return model.ErrCodeAlreadyJoined
	case errors.Is(err, ErrNotAMember):
		return model.ErrCodeNotAMember
	}
	return model.ErrCodeInternal
}

func (svc *Service) ListRooms() []model.RoomInfo {
	return svc.store.Rooms()
}

func (svc *Service) ListMembers(roomID string) []model.Participant {
	return svc.store.ListMembers(roomID)
}

func (svc *Service) Stats() model.Stats {
	st := svc.store.Stats()
	st.Connections = svc.sw.Endpoints()
	st.Dropped = svc.sw.Dropped()
	return st
}

func connIDs(members []model.Participant) []string {
	return lo.Map(members, func(p model.Participant, _ int) string {
		return p.ConnectionID
	})
}
