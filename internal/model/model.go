// Package model holds the data types shared by the sync engine, its
// fetchers and its persistence backends.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies where a day's activity data came from
type Source string

const (
	SourceUploadedFile Source = "uploaded_file"
	SourcePrimary      Source = "primary_provider"
	SourceSecondary    Source = "secondary_provider"
	SourceManual       Source = "manual"
)

// Sources lists every source in sync priority order. Manual entries are
// written by the app directly and are never fetched.
var Sources = []Source{SourceUploadedFile, SourcePrimary, SourceSecondary, SourceManual}

// ParseSource converts a stored string back to a Source
func ParseSource(s string) (Source, error) {
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown sync source %q", s)
}

// SessionRef is the per-session summary embedded in a DailySnapshot
type SessionRef struct {
	SessionID      string    `json:"session_id"`
	ActivityType   string    `json:"activity_type"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	DistanceMeters float64   `json:"distance_meters"`
}

// DailySnapshot is the single per-(user, day) activity record. Writes are
// last-write-wins; no history is kept.
type DailySnapshot struct {
	UserID         string       `json:"user_id"`
	Date           string       `json:"date"` // YYYY-MM-DD in the user's timezone
	Steps          int64        `json:"steps"`
	CaloriesBurned float64      `json:"calories_burned"`
	ActiveMinutes  int64        `json:"active_minutes"`
	DistanceMeters float64      `json:"distance_meters"`
	HeartRateAvg   *float64     `json:"heart_rate_avg"`
	Sessions       []SessionRef `json:"sessions"`
	LastSyncedAt   time.Time    `json:"last_synced_at"`
	SyncSource     Source       `json:"sync_source"`
}

// Session is a classified exercise session, unique per (user, session id)
type Session struct {
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	ActivityType string          `json:"activity_type"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Source       Source          `json:"source"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// RawSession is an exercise session as reported by a provider, before
// classification.
type RawSession struct {
	ID             string          `json:"id"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	ActivityType   string          `json:"activity_type"`
	Name           string          `json:"name,omitempty"`
	Description    string          `json:"description,omitempty"`
	DataSourceID   string          `json:"data_source_id,omitempty"`
	DistanceMeters *float64        `json:"distance_meters,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Duration returns the session's wall-clock length
func (s RawSession) Duration() time.Duration {
	if s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// DailyActivity is what a provider fetcher returns for one day. A nil
// HeartRateAvg means the provider had no heart-rate data.
type DailyActivity struct {
	Date           string       `json:"date"`
	Steps          int64        `json:"steps"`
	CaloriesBurned float64      `json:"calories_burned"`
	ActiveMinutes  int64        `json:"active_minutes"`
	DistanceMeters float64      `json:"distance_meters"`
	HeartRateAvg   *float64     `json:"heart_rate_avg,omitempty"`
	Sessions       []RawSession `json:"sessions"`
}

// Connection records whether a user currently has a provider linked
type Connection struct {
	UserID    string
	Provider  string
	Connected bool
	UpdatedAt time.Time
}

// DeviceUpload records a manually uploaded device file and what was
// parsed out of it.
type DeviceUpload struct {
	ID        string
	UserID    string
	Date      string
	FileName  string
	Activity  DailyActivity
	CreatedAt time.Time
}

// DeviceSample is a day summary pushed from the phone's on-device health
// store.
type DeviceSample struct {
	UserID     string
	Date       string
	Activity   DailyActivity
	ReceivedAt time.Time
}
