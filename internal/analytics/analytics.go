package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"talkready/internal/history"
	"talkready/internal/storage"
)

// DailyStats summarizes the practice sessions started on one day.
type DailyStats struct {
	Date            string               `json:"date"`
	Sessions        int                  `json:"sessions"`
	CompletedCalls  int                  `json:"completed_calls"`
	TimedOutCalls   int                  `json:"timed_out_calls"`
	TotalTurns      int                  `json:"total_turns"`
	LearnerTurns    int                  `json:"learner_turns"`
	SpokenTurns     int                  `json:"spoken_turns"`
	UniqueUsers     int                  `json:"unique_users"`
	AvgCallSeconds  float64              `json:"avg_call_seconds"`
	ByInquiryType   map[string]int       `json:"by_inquiry_type"`
	UserStats       map[string]UserStats `json:"user_stats"`
	callSecondsSum  float64
	callsWithLength int
}

// UserStats is one learner's activity for the day.
type UserStats struct {
	UserID       string         `json:"user_id"`
	Sessions     int            `json:"sessions"`
	LearnerTurns int            `json:"learner_turns"`
	SpokenTurns  int            `json:"spoken_turns"`
	ByInquiry    map[string]int `json:"by_inquiry_type"`
}

// AnalyzeDaily aggregates the sessions that started on targetDate's calendar day.
func AnalyzeDaily(sessions []storage.SessionRecord, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	stats := &DailyStats{
		Date:          startOfDay.Format("2006-01-02"),
		ByInquiryType: make(map[string]int),
		UserStats:     make(map[string]UserStats),
	}

	for _, s := range sessions {
		if s.StartedAt.Before(startOfDay) || !s.StartedAt.Before(endOfDay) {
			continue
		}
		stats.Sessions++
		stats.ByInquiryType[s.InquiryType]++
		stats.TotalTurns += len(s.Turns)

		switch s.EndReason {
		case "timeout":
			stats.TimedOutCalls++
		case "":
		default:
			stats.CompletedCalls++
		}
		if s.EndedAt != nil && s.EndedAt.After(s.StartedAt) {
			stats.callSecondsSum += s.EndedAt.Sub(s.StartedAt).Seconds()
			stats.callsWithLength++
		}

		key := s.UserID
		if key == "" {
			key = "anonymous"
		}
		us, ok := stats.UserStats[key]
		if !ok {
			us = UserStats{UserID: key, ByInquiry: make(map[string]int)}
		}
		us.Sessions++
		us.ByInquiry[s.InquiryType]++
		for _, t := range s.Turns {
			if t.Sender != history.SenderUser {
				continue
			}
			us.LearnerTurns++
			stats.LearnerTurns++
			if t.AudioURL != "" {
				us.SpokenTurns++
				stats.SpokenTurns++
			}
		}
		stats.UserStats[key] = us
	}

	stats.UniqueUsers = len(stats.UserStats)
	if stats.callsWithLength > 0 {
		stats.AvgCallSeconds = stats.callSecondsSum / float64(stats.callsWithLength)
	}
	return stats
}

// Summary renders the stats as a plain-text report.
func (ds *DailyStats) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Practice activity for %s:\n\n", ds.Date)
	fmt.Fprintf(&b, "Overall:\n- Sessions: %d (completed %d, timed out %d)\n", ds.Sessions, ds.CompletedCalls, ds.TimedOutCalls)
	fmt.Fprintf(&b, "- Turns: %d, learner turns: %d, spoken: %d\n", ds.TotalTurns, ds.LearnerTurns, ds.SpokenTurns)
	fmt.Fprintf(&b, "- Unique learners: %d\n", ds.UniqueUsers)
	if ds.AvgCallSeconds > 0 {
		fmt.Fprintf(&b, "- Average call length: %.0fs\n", ds.AvgCallSeconds)
	}
	b.WriteString("\n")

	if len(ds.ByInquiryType) > 0 {
		b.WriteString("Scenarios:\n")
		for _, k := range sortedKeys(ds.ByInquiryType) {
			fmt.Fprintf(&b, "- %s: %d\n", k, ds.ByInquiryType[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Learners (%d):\n", len(ds.UserStats))
	users := make([]string, 0, len(ds.UserStats))
	for id := range ds.UserStats {
		users = append(users, id)
	}
	sort.Strings(users)
	for _, id := range users {
		us := ds.UserStats[id]
		fmt.Fprintf(&b, "- %s: %d sessions, %d turns", id, us.Sessions, us.LearnerTurns)
		if us.SpokenTurns > 0 {
			fmt.Fprintf(&b, " (%d spoken)", us.SpokenTurns)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SessionLister is the slice of storage.Store reports need.
type SessionLister interface {
	ListSessions(ctx context.Context, since, until time.Time) ([]storage.SessionRecord, error)
}

// Daily loads the sessions of day's calendar day and aggregates them.
func Daily(ctx context.Context, store SessionLister, day time.Time) (*DailyStats, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	sessions, err := store.ListSessions(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return AnalyzeDaily(sessions, start), nil
}
