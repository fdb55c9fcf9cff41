// Copyright 2024-2026 Aiku AI

// Package datastore persists bridged room metadata and the Slack-to-Matrix
// message mapping in SQLite.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"github.com/aiku/matrix-slack/pkg/bridge"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	channel_id     TEXT PRIMARY KEY,
	team_id        TEXT NOT NULL,
	team_domain    TEXT NOT NULL DEFAULT '',
	slack_bot_id   TEXT NOT NULL DEFAULT '',
	access_token   TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	matrix_room_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_team ON rooms (team_id);

CREATE TABLE IF NOT EXISTS messages (
	channel_id     TEXT NOT NULL,
	slack_ts       TEXT NOT NULL,
	matrix_room_id TEXT NOT NULL,
	event_id       TEXT NOT NULL,
	PRIMARY KEY (channel_id, slack_ts)
);
`

// SQLStore implements the bridge's Datastore on SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ bridge.Datastore = (*SQLStore)(nil)

// Open opens (creating if needed) the datastore at path and applies the
// schema. WAL keeps the webhook goroutines from blocking each other.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetAllRooms returns every bridged room record.
func (s *SQLStore) GetAllRooms(ctx context.Context) ([]*bridge.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, team_id, team_domain, slack_bot_id, access_token, name, matrix_room_id FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*bridge.Room
	for rows.Next() {
		var rec bridge.Room
		var matrixRoomID string
		if err := rows.Scan(&rec.ChannelID, &rec.TeamID, &rec.TeamDomain, &rec.SlackBotID,
			&rec.AccessToken, &rec.Name, &matrixRoomID); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rec.MatrixRoomID = id.RoomID(matrixRoomID)
		rooms = append(rooms, &rec)
	}
	return rooms, rows.Err()
}

// GetRoom returns the room bridged to the given channel.
func (s *SQLStore) GetRoom(ctx context.Context, channelID string) (*bridge.Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel_id, team_id, team_domain, slack_bot_id, access_token, name, matrix_room_id
		 FROM rooms WHERE channel_id = ?`, channelID)

	var rec bridge.Room
	var matrixRoomID string
	err := row.Scan(&rec.ChannelID, &rec.TeamID, &rec.TeamDomain, &rec.SlackBotID,
		&rec.AccessToken, &rec.Name, &matrixRoomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan room: %w", err)
	}
	rec.MatrixRoomID = id.RoomID(matrixRoomID)
	return &rec, nil
}

// UpsertRoom inserts or replaces a room record.
func (s *SQLStore) UpsertRoom(ctx context.Context, room *bridge.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (channel_id, team_id, team_domain, slack_bot_id, access_token, name, matrix_room_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			team_id = excluded.team_id,
			team_domain = excluded.team_domain,
			slack_bot_id = excluded.slack_bot_id,
			access_token = excluded.access_token,
			name = excluded.name,
			matrix_room_id = excluded.matrix_room_id`,
		room.ChannelID, room.TeamID, room.TeamDomain, room.SlackBotID,
		room.AccessToken, room.Name, string(room.MatrixRoomID))
	if err != nil {
		return fmt.Errorf("failed to upsert room: %w", err)
	}
	return nil
}

// InsertBridgedMessage records one Slack-to-Matrix event mapping. Re-inserts
// of the same (channel, ts) pair overwrite, which keeps redelivered events
// idempotent.
func (s *SQLStore) InsertBridgedMessage(ctx context.Context, msg *bridge.BridgedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (channel_id, slack_ts, matrix_room_id, event_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, slack_ts) DO UPDATE SET
			matrix_room_id = excluded.matrix_room_id,
			event_id = excluded.event_id`,
		msg.ChannelID, msg.SlackTS, string(msg.MatrixRoomID), string(msg.EventID))
	if err != nil {
		return fmt.Errorf("failed to insert bridged message: %w", err)
	}
	return nil
}

// GetBridgedMessage looks up the Matrix event a Slack message was bridged as.
func (s *SQLStore) GetBridgedMessage(ctx context.Context, channelID, slackTS string) (*bridge.BridgedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel_id, slack_ts, matrix_room_id, event_id FROM messages
		 WHERE channel_id = ? AND slack_ts = ?`, channelID, slackTS)

	var msg bridge.BridgedMessage
	var matrixRoomID, eventID string
	err := row.Scan(&msg.ChannelID, &msg.SlackTS, &matrixRoomID, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridge.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bridged message: %w", err)
	}
	msg.MatrixRoomID = id.RoomID(matrixRoomID)
	msg.EventID = id.EventID(eventID)
	return &msg, nil
}
