package memory

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/samber/lo"
)

var (
	ErrAlreadyJoined = errors.New("connection is already a member of a room")
)

type room struct {
	id      string
	owner   string
	members []model.Participant
}

func (r *room) snapshot() model.Room {
	return model.Room{
		ID:      r.id,
		Owner:   r.owner,
		Members: slices.Clone(r.members),
	}
}

// MemStore is an in-memory room registry. Room exists only while it has members.
// Every connection belongs to at most one room, members index keeps connID -> roomID.
type MemStore struct {
	mx      *sync.Mutex
	db      map[string]*room
	members map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.Mutex{},
		db:      make(map[string]*room),
		members: make(map[string]string),
	}
}

// AddMember creates room if needed and appends participant to it.
// The first owner claim in a room wins, later claims are admitted as regular members.
func (ms *MemStore) AddMember(roomID string, p model.Participant, isOwner bool) (model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.members[p.ConnectionID]; ok {
		return model.JoinResult{}, ErrAlreadyJoined
	}

	r, ok := ms.db[roomID]
	if !ok {
		r = &room{id: roomID}
		ms.db[roomID] = r
	}

	var res model.JoinResult
	if isOwner {
		if r.owner == "" {
			r.owner = p.ConnectionID
		} else {
			res.OwnerClaimIgnored = true
		}
	}
	r.members = append(r.members, p)
	ms.members[p.ConnectionID] = roomID

	res.Room = r.snapshot()
	return res, nil
}

// RemoveMember removes connection from whatever room it belongs to.
func (ms *MemStore) RemoveMember(connID string) model.Removal {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.members[connID]
	if !ok {
		return model.Removal{Outcome: model.RemovalNotFound}
	}
	delete(ms.members, connID)

	r := ms.db[roomID]
	idx := slices.IndexFunc(r.members, func(p model.Participant) bool {
		return p.ConnectionID == connID
	})
	prior := r.members
	member := prior[idx]

	if r.owner == connID {
		delete(ms.db, roomID)
		for _, p := range prior {
			delete(ms.members, p.ConnectionID)
		}
		return model.Removal{
			Outcome: model.RemovalRoomClosed,
			RoomID:  roomID,
			Member:  member,
			Members: slices.Clone(prior),
		}
	}

	r.members = slices.Delete(slices.Clone(prior), idx, idx+1)
	if len(r.members) == 0 {
		delete(ms.db, roomID)
		return model.Removal{
			Outcome: model.RemovalRoomEmptied,
			RoomID:  roomID,
			Member:  member,
		}
	}
	return model.Removal{
		Outcome: model.RemovalMemberLeft,
		RoomID:  roomID,
		Member:  member,
		Members: slices.Clone(r.members),
	}
}

// ListMembers returns members in join order, empty slice for unknown room.
func (ms *MemStore) ListMembers(roomID string) []model.Participant {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return []model.Participant{}
	}
	return slices.Clone(r.members)
}

// RelayTargets returns members of roomID only if connID is currently a member of it.
// Check and copy happen under one lock, so a room torn down and recreated
// under the same id is never mistaken for the sender's room.
func (ms *MemStore) RelayTargets(connID, roomID string) ([]model.Participant, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if current, ok := ms.members[connID]; !ok || current != roomID {
		return nil, false
	}
	return slices.Clone(ms.db[roomID].members), true
}

func (ms *MemStore) RoomOf(connID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.members[connID]
	return roomID, ok
}

func (ms *MemStore) GetRoom(roomID string) (model.Room, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, false
	}
	return r.snapshot(), true
}

// Rooms lists rooms ordered by id.
func (ms *MemStore) Rooms() []model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := lo.MapToSlice(ms.db, func(id string, r *room) model.RoomInfo {
		return model.RoomInfo{ID: id, Members: len(r.members)}
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func (ms *MemStore) Stats() model.Stats {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return model.Stats{
		Rooms:   len(ms.db),
		Members: len(ms.members),
	}
}
