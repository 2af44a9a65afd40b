package googlefit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// Data types requested from the aggregate endpoint
const (
	TypeSteps         = "com.google.step_count.delta"
	TypeCalories      = "com.google.calories.expended"
	TypeActiveMinutes = "com.google.active_minutes"
	TypeHeartRate     = "com.google.heart_rate.bpm"
	TypeDistance      = "com.google.distance.delta"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

type aggregateBy struct {
	DataTypeName string `json:"dataTypeName"`
}

type bucketByTime struct {
	DurationMillis int64 `json:"durationMillis"`
}

type aggregateRequest struct {
	AggregateBy     []aggregateBy `json:"aggregateBy"`
	BucketByTime    bucketByTime  `json:"bucketByTime"`
	StartTimeMillis int64         `json:"startTimeMillis"`
	EndTimeMillis   int64         `json:"endTimeMillis"`
}

type aggregateResponse struct {
	Bucket []struct {
		Dataset []struct {
			Point []struct {
				Value []pointValue `json:"value"`
			} `json:"point"`
		} `json:"dataset"`
	} `json:"bucket"`
}

type pointValue struct {
	IntVal *int64   `json:"intVal"`
	FpVal  *float64 `json:"fpVal"`
}

func (v pointValue) number() (float64, bool) {
	switch {
	case v.IntVal != nil:
		return float64(*v.IntVal), true
	case v.FpVal != nil:
		return *v.FpVal, true
	}
	return 0, false
}

// first returns the first value of the first point found. Missing paths
// report ok=false.
func (r *aggregateResponse) first() (float64, bool) {
	for _, b := range r.Bucket {
		for _, ds := range b.Dataset {
			for _, p := range ds.Point {
				if len(p.Value) > 0 {
					return p.Value[0].number()
				}
			}
		}
	}
	return 0, false
}

// sum adds up the first value of every point
func (r *aggregateResponse) sum() float64 {
	var total float64
	for _, b := range r.Bucket {
		for _, ds := range b.Dataset {
			for _, p := range ds.Point {
				if len(p.Value) > 0 {
					v, _ := p.Value[0].number()
					total += v
				}
			}
		}
	}
	return total
}

func (c *Client) aggregate(ctx context.Context, op, dataType, accessToken string, start, end time.Time, bucket int64) (*aggregateResponse, error) {
	body := aggregateRequest{
		AggregateBy:     []aggregateBy{{DataTypeName: dataType}},
		BucketByTime:    bucketByTime{DurationMillis: bucket},
		StartTimeMillis: start.UnixMilli(),
		EndTimeMillis:   end.UnixMilli(),
	}

	respBody, err := c.doRequest(ctx, op, http.MethodPost, "/users/me/dataset:aggregate", nil, body, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", dataType, err)
	}

	var resp aggregateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s aggregate: %w", dataType, err)
	}
	return &resp, nil
}

// dayMetric aggregates one data type over the request's day
func (c *Client) dayMetric(ctx context.Context, req provider.Request, dataType string) (float64, bool, error) {
	resp, err := c.aggregate(ctx, metrics.OpAggregate, dataType, req.AccessToken, req.Day.Start, req.Day.End, dayMillis)
	if err != nil {
		return 0, false, err
	}
	v, ok := resp.first()
	return v, ok, nil
}

// FetchDay returns steps, calories, active minutes, heart rate and raw
// sessions for one day. Distance is left at zero; it is computed from the
// kept sessions after classification.
func (c *Client) FetchDay(ctx context.Context, req provider.Request) (*model.DailyActivity, error) {
	steps, hasSteps, err := c.dayMetric(ctx, req, TypeSteps)
	if err != nil {
		return nil, err
	}
	calories, hasCalories, err := c.dayMetric(ctx, req, TypeCalories)
	if err != nil {
		return nil, err
	}
	active, hasActive, err := c.dayMetric(ctx, req, TypeActiveMinutes)
	if err != nil {
		return nil, err
	}

	var heartRate *float64
	hr, hasHR, err := c.dayMetric(ctx, req, TypeHeartRate)
	switch {
	case err == nil && hasHR:
		heartRate = &hr
	case err != nil:
		if provider.IsUnauthorized(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.Warn("Heart rate unavailable", "user_id", req.UserID, "date", req.Day.Date,
			"error", fmt.Errorf("%w: %w", provider.ErrPartialData, err))
	}

	sessions, err := c.ListSessions(ctx, req)
	if err != nil {
		return nil, err
	}

	if !hasSteps && !hasCalories && !hasActive && heartRate == nil && len(sessions) == 0 {
		return nil, nil
	}

	return &model.DailyActivity{
		Date:           req.Day.Date,
		Steps:          int64(steps),
		CaloriesBurned: calories,
		ActiveMinutes:  int64(active),
		HeartRateAvg:   heartRate,
		Sessions:       sessions,
	}, nil
}

// SessionDistance aggregates distance over exactly the session's window
func (c *Client) SessionDistance(ctx context.Context, req provider.Request, session model.RawSession) (float64, error) {
	window := session.EndTime.Sub(session.StartTime).Milliseconds()
	if window <= 0 {
		return 0, nil
	}
	resp, err := c.aggregate(ctx, metrics.OpSessionDistance, TypeDistance, req.AccessToken, session.StartTime, session.EndTime, window)
	if err != nil {
		return 0, fmt.Errorf("session %s: %w", session.ID, err)
	}
	return resp.sum(), nil
}
