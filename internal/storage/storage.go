// Package storage persists session snapshots and per-guild play history on
// a JSON-file datastore. Everything here is best-effort: playback never
// depends on a write succeeding.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keshon/datastore"

	"github.com/mkarpov/resonix/internal/music/session"
	"github.com/mkarpov/resonix/internal/track"
)

const trackHistoryLimit = 12

// Storage wraps the datastore with the guild record schema.
type Storage struct {
	ds *datastore.DataStore
}

// Record is everything persisted for one guild.
type Record struct {
	Session      *SessionRecord `json:"session,omitempty"`
	TrackHistory []PlayedTrack  `json:"track_history,omitempty"`
}

// SessionRecord is the final snapshot of a torn-down session.
type SessionRecord struct {
	Snapshot session.Snapshot `json:"snapshot"`
	SavedAt  time.Time        `json:"saved_at"`
}

// PlayedTrack is one play-history entry.
type PlayedTrack struct {
	Track    track.Descriptor `json:"track"`
	PlayedAt time.Time        `json:"played_at"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

func (s *Storage) getGuildRecord(guildID string) (*Record, error) {
	data, exists := s.ds.Get(guildID)
	if !exists {
		return &Record{}, nil
	}

	// The datastore hands back whatever it unmarshalled the file into, so
	// round-trip through JSON to get the typed record.
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error marshalling data: %w", err)
	}
	var record Record
	if err := json.Unmarshal(jsonData, &record); err != nil {
		return nil, fmt.Errorf("error unmarshalling to *Record: %w", err)
	}
	return &record, nil
}

// SaveSession stores the final snapshot of a guild session. Satisfies the
// session package's snapshot sink.
func (s *Storage) SaveSession(guildID string, snap session.Snapshot) error {
	record, err := s.getGuildRecord(guildID)
	if err != nil {
		return err
	}
	record.Session = &SessionRecord{Snapshot: snap, SavedAt: time.Now()}
	s.ds.Add(guildID, record)
	return nil
}

// LoadSession returns the last persisted snapshot for a guild, or false.
func (s *Storage) LoadSession(guildID string) (session.Snapshot, bool, error) {
	record, err := s.getGuildRecord(guildID)
	if err != nil {
		return session.Snapshot{}, false, err
	}
	if record.Session == nil {
		return session.Snapshot{}, false, nil
	}
	return record.Session.Snapshot, true, nil
}

// AppendTrackToHistory records a played track, keeping the newest
// trackHistoryLimit entries.
func (s *Storage) AppendTrackToHistory(guildID string, d track.Descriptor) error {
	record, err := s.getGuildRecord(guildID)
	if err != nil {
		return err
	}

	record.TrackHistory = append(record.TrackHistory, PlayedTrack{Track: d, PlayedAt: time.Now()})
	if len(record.TrackHistory) > trackHistoryLimit {
		record.TrackHistory = record.TrackHistory[len(record.TrackHistory)-trackHistoryLimit:]
	}
	s.ds.Add(guildID, record)
	return nil
}

// FetchTrackHistory returns the guild's play history, newest last.
func (s *Storage) FetchTrackHistory(guildID string) ([]PlayedTrack, error) {
	record, err := s.getGuildRecord(guildID)
	if err != nil {
		return nil, err
	}
	return record.TrackHistory, nil
}
