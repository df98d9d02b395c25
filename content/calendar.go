package content

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

// MaxCalendarDays bounds the range of a calendar request.
const MaxCalendarDays = 92

// calendarLimit caps the posts loaded for one calendar.
const calendarLimit = 5000

// Day is one local calendar day.
type Day struct {
	Date  string        `json:"date"`
	Posts []*store.Post `json:"posts"`
}

// CalendarQuery selects the posts shown in a calendar.
type CalendarQuery struct {
	// From and To bound the scheduled time (inclusive, exclusive).
	From, To time.Time
	// Location groups posts into local days. Defaults to UTC.
	Location *time.Location
	Platform store.Platform
	Campaign *uuid.UUID
}

// Calendar returns every local day in the range, each holding the posts
// scheduled on it in scheduled order.
func (s *Service) Calendar(ctx context.Context, tenantID uuid.UUID, q CalendarQuery) ([]Day, error) {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	if !q.To.After(q.From) {
		return nil, fmt.Errorf("%w: the calendar range is empty", ErrValidation)
	}
	if q.To.Sub(q.From) > MaxCalendarDays*24*time.Hour {
		return nil, fmt.Errorf("%w: the calendar range exceeds %d days", ErrValidation, MaxCalendarDays)
	}

	from, to := q.From, q.To
	posts, err := s.posts.List(ctx, store.PostFilter{
		TenantID:      &tenantID,
		CampaignID:    q.Campaign,
		Platform:      q.Platform,
		ScheduledFrom: &from,
		ScheduledTo:   &to,
		Pagination:    store.Pagination{Limit: calendarLimit},
	})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	var days []Day
	index := map[string]int{}
	start := q.From.In(loc)
	for d := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc); d.Before(q.To); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		index[key] = len(days)
		days = append(days, Day{Date: key, Posts: []*store.Post{}})
	}
	for _, p := range posts {
		if p.ScheduledAt == nil {
			continue
		}
		if i, ok := index[p.ScheduledAt.In(loc).Format(time.DateOnly)]; ok {
			days[i].Posts = append(days[i].Posts, p)
		}
	}
	return days, nil
}
