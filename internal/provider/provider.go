// Package provider defines the contract every activity data source
// implements, and the failure taxonomy shared across the sync engine.
package provider

import (
	"context"

	"wearable-sync/internal/model"
)

// Provider identifiers used as credential keys
const (
	GoogleFit = "googlefit"
)

// Request scopes a fetch to one user and day. AccessToken is empty for
// sources that do not need one.
type Request struct {
	UserID      string
	Day         model.Day
	AccessToken string
}

// Fetcher is implemented by every data source. FetchDay returns nil, nil
// when the source has nothing for the day.
type Fetcher interface {
	FetchDay(ctx context.Context, req Request) (*model.DailyActivity, error)

	// SessionDistance returns the distance covered within the session's
	// own time window.
	SessionDistance(ctx context.Context, req Request, session model.RawSession) (float64, error)
}
