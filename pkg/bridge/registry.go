// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry resolves Slack channel identifiers to their bridged rooms.
// Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*BridgedRoom
}

func NewRegistry() *Registry {
	return &Registry{byChannel: make(map[string]*BridgedRoom)}
}

// Load populates the registry from the datastore's room records.
func (r *Registry) Load(ctx context.Context, store Datastore, matrix MatrixAPI, log zerolog.Logger) error {
	records, err := store.GetAllRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.byChannel[rec.ChannelID] = NewBridgedRoom(rec, matrix, store, log)
	}
	log.Info().Int("count", len(records)).Msg("Loaded bridged rooms")
	return nil
}

// Add registers a room, replacing any previous room for the same channel.
func (r *Registry) Add(room *BridgedRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChannel[room.ChannelID()] = room
}

// ByChannel returns the room bridged to the given Slack channel, or nil.
func (r *Registry) ByChannel(channelID string) *BridgedRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChannel[channelID]
}

// ByTeam returns every room belonging to the given Slack team.
func (r *Registry) ByTeam(teamID string) []*BridgedRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rooms []*BridgedRoom
	for _, room := range r.byChannel {
		if room.TeamID() == teamID {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Len returns the number of bridged rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}
