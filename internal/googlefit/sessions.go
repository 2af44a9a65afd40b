package googlefit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wearable-sync/internal/classify"
	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

var _ provider.Fetcher = (*Client)(nil)

// maxSessionPages bounds pagination for a single day
const maxSessionPages = 10

// millis decodes epoch milliseconds sent either as a JSON number or as a
// decimal string, which is how the API encodes int64 fields.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millis %q: %w", s, err)
	}
	*m = millis(v)
	return nil
}

func (m millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// activityValue accepts a numeric activity id or a type name
type activityValue string

func (a *activityValue) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = activityValue(classify.NormalizeActivityType(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid activity type %s: %w", b, err)
	}
	id, err := n.Int64()
	if err != nil {
		return fmt.Errorf("invalid activity type %s: %w", b, err)
	}
	*a = activityValue(classify.ActivityName(int(id)))
	return nil
}

type apiSession struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	StartTimeMillis millis        `json:"startTimeMillis"`
	EndTimeMillis   millis        `json:"endTimeMillis"`
	ActivityType    activityValue `json:"activityType"`
	ActivityTypeID  activityValue `json:"activityTypeId"`
	Activity        activityValue `json:"activity"`
	DataSourceID    string        `json:"dataSourceId"`
}

func (s apiSession) activityType() string {
	for _, v := range []activityValue{s.ActivityType, s.ActivityTypeID, s.Activity} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

type sessionsResponse struct {
	Session       []json.RawMessage `json:"session"`
	NextPageToken string            `json:"nextPageToken"`
	HasMoreData   bool              `json:"hasMoreData"`
}

// ListSessions returns every session overlapping the request's day
func (c *Client) ListSessions(ctx context.Context, req provider.Request) ([]model.RawSession, error) {
	params := url.Values{
		"startTime": {req.Day.Start.UTC().Format(time.RFC3339Nano)},
		"endTime":   {req.Day.End.UTC().Format(time.RFC3339Nano)},
	}

	var sessions []model.RawSession
	for page := 0; page < maxSessionPages; page++ {
		respBody, err := c.doRequest(ctx, metrics.OpListSessions, http.MethodGet, "/users/me/sessions", params, nil, req.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		var resp sessionsResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
		}

		for _, raw := range resp.Session {
			s, err := parseSession(raw)
			if err != nil {
				c.logger.Warn("Skipping malformed session", "user_id", req.UserID, "date", req.Day.Date, "error", err)
				continue
			}
			sessions = append(sessions, s)
		}

		if resp.NextPageToken == "" || !resp.HasMoreData {
			break
		}
		params.Set("pageToken", resp.NextPageToken)
	}

	return sessions, nil
}

func parseSession(raw json.RawMessage) (model.RawSession, error) {
	var s apiSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.RawSession{}, err
	}
	if s.StartTimeMillis == 0 || s.EndTimeMillis == 0 {
		return model.RawSession{}, fmt.Errorf("session %q has no time window", s.ID)
	}

	id := s.ID
	if id == "" {
		id = fmt.Sprintf("%d-%d", s.StartTimeMillis, s.EndTimeMillis)
	}

	return model.RawSession{
		ID:           id,
		StartTime:    s.StartTimeMillis.Time(),
		EndTime:      s.EndTimeMillis.Time(),
		ActivityType: s.activityType(),
		Name:         s.Name,
		Description:  s.Description,
		DataSourceID: s.DataSourceID,
		Raw:          raw,
	}, nil
}
