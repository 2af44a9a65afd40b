package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"

	"wearable-sync/internal/model"
)

// ErrNoSessions is returned for files without any session message
var ErrNoSessions = errors.New("no sessions found in FIT file")

type fitSession struct {
	start        time.Time
	elapsed      time.Duration
	timer        time.Duration
	distance     float64
	hasDistance  bool
	calories     float64
	heartRate    float64
	hasHeartRate bool
	sport        typedef.Sport
	subSport     typedef.SubSport
	profileName  string
}

// fitSummary is kept as the raw payload of parsed sessions
type fitSummary struct {
	Sport          string  `json:"sport"`
	SubSport       string  `json:"sub_sport,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	TimerSeconds   float64 `json:"timer_seconds"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	Calories       float64 `json:"calories,omitempty"`
	AvgHeartRate   float64 `json:"avg_heart_rate,omitempty"`
}

// Parse decodes a FIT activity file into one DailyActivity per calendar day
// in loc, ordered by date. Sessions are assigned to the day they start on.
func Parse(data []byte, loc *time.Location) ([]model.DailyActivity, error) {
	if len(data) == 0 {
		return nil, errors.New("empty FIT data")
	}
	if loc == nil {
		loc = time.UTC
	}

	dec := decoder.New(bytes.NewReader(data))

	var sessions []fitSession
	for dec.Next() {
		fit, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode FIT file: %w", err)
		}

		for _, msg := range fit.Messages {
			if msg.Num != typedef.MesgNumSession {
				continue
			}
			if s, ok := readSession(mesgdef.NewSession(&msg)); ok {
				sessions = append(sessions, s)
			}
		}
	}

	if len(sessions) == 0 {
		return nil, ErrNoSessions
	}

	byDate := map[string]*model.DailyActivity{}
	hrWeight := map[string]float64{}
	hrTotal := map[string]float64{}

	for _, s := range sessions {
		date := model.DayFor(s.start, loc).Date
		day, ok := byDate[date]
		if !ok {
			day = &model.DailyActivity{Date: date}
			byDate[date] = day
		}

		raw, err := json.Marshal(fitSummary{
			Sport:          s.sport.String(),
			SubSport:       subSportName(s.subSport),
			ElapsedSeconds: s.elapsed.Seconds(),
			TimerSeconds:   s.timer.Seconds(),
			DistanceMeters: s.distance,
			Calories:       s.calories,
			AvgHeartRate:   s.heartRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode session summary: %w", err)
		}

		rs := model.RawSession{
			ID:           fmt.Sprintf("fit-%d-%s", s.start.UnixMilli(), s.sport.String()),
			StartTime:    s.start,
			EndTime:      s.start.Add(s.elapsed),
			ActivityType: sportName(s.sport),
			Name:         s.profileName,
			Description:  subSportName(s.subSport),
			Raw:          raw,
		}
		if s.hasDistance {
			d := s.distance
			rs.DistanceMeters = &d
			day.DistanceMeters += d
		}
		day.Sessions = append(day.Sessions, rs)
		day.CaloriesBurned += s.calories
		day.ActiveMinutes += int64(s.timer.Minutes())

		if s.hasHeartRate && s.timer > 0 {
			hrTotal[date] += s.heartRate * s.timer.Seconds()
			hrWeight[date] += s.timer.Seconds()
		}
	}

	days := make([]model.DailyActivity, 0, len(byDate))
	for date, day := range byDate {
		if w := hrWeight[date]; w > 0 {
			avg := math.Round(hrTotal[date]/w*10) / 10
			day.HeartRateAvg = &avg
		}
		days = append(days, *day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, nil
}

// readSession converts a session message, skipping fields that hold the
// FIT invalid value.
func readSession(m *mesgdef.Session) (fitSession, bool) {
	s := fitSession{
		start:       m.StartTime.UTC(),
		sport:       m.Sport,
		subSport:    m.SubSport,
		profileName: m.SportProfileName,
	}

	if m.TotalElapsedTime != math.MaxUint32 {
		s.elapsed = time.Duration(m.TotalElapsedTime) * time.Millisecond
	}
	s.timer = s.elapsed
	if m.TotalTimerTime != math.MaxUint32 {
		s.timer = time.Duration(m.TotalTimerTime) * time.Millisecond
	}

	if m.StartTime.IsZero() {
		if m.Timestamp.IsZero() {
			return fitSession{}, false
		}
		s.start = m.Timestamp.UTC().Add(-s.elapsed)
	}
	if s.elapsed <= 0 {
		return fitSession{}, false
	}

	if m.TotalDistance != math.MaxUint32 {
		s.distance = float64(m.TotalDistance) / 100
		s.hasDistance = true
	}
	if m.TotalCalories != math.MaxUint16 {
		s.calories = float64(m.TotalCalories)
	}
	if m.AvgHeartRate != math.MaxUint8 && m.AvgHeartRate > 0 {
		s.heartRate = float64(m.AvgHeartRate)
		s.hasHeartRate = true
	}
	return s, true
}

// sportName maps a FIT sport onto an activity type name. Generic sports
// come back empty so the session name decides classification.
func sportName(sport typedef.Sport) string {
	switch sport {
	case typedef.SportGeneric, typedef.SportInvalid:
		return ""
	}
	return sport.String()
}

func subSportName(sub typedef.SubSport) string {
	switch sub {
	case typedef.SubSportGeneric, typedef.SubSportInvalid:
		return ""
	}
	return sub.String()
}
