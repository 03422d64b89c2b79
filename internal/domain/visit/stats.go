package visit

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/store"
)

// StatsFilter scopes the statistics. From and To bound scheduled_at,
// inclusive.
type StatsFilter struct {
	ClientID uuid.UUID
	WorkerID uuid.UUID
	From     *time.Time
	To       *time.Time
}

// Stats summarizes visits in a scope. Averages are taken over completed
// visits; satisfaction keeps one decimal and is null when nobody rated.
type Stats struct {
	Total               int      `json:"total"`
	Completed           int      `json:"completed"`
	Cancelled           int      `json:"cancelled"`
	Upcoming            int      `json:"upcoming"`
	Overdue             int      `json:"overdue"`
	CompletionRate      int      `json:"completion_rate"`
	AverageDuration     int      `json:"average_duration"`
	AverageSatisfaction *float64 `json:"average_satisfaction"`
}

// Stats counts visits in f's scope. The total is every live visit, including
// RESCHEDULED originals, plus cancelled visits; soft-deleted rows that were
// not cancelled are left out. Clients and workers are held to their own
// visits.
func (s *Service) Stats(ctx context.Context, f StatsFilter, actor auth.Actor) (Stats, error) {
	if err := checkActor(actor); err != nil {
		return Stats{}, err
	}
	scoped, err := scope(ListFilter{ClientID: f.ClientID, WorkerID: f.WorkerID, From: f.From, To: f.To}, actor)
	if err != nil {
		return Stats{}, err
	}
	base := scoped.conditions()
	with := func(extra ...store.Cond) []store.Cond {
		return append(append([]store.Cond(nil), base...), extra...)
	}
	live := store.IsNull(store.ColDeletedAt)
	now := s.clock.Now()
	open := store.In("status", statusValues(StatusScheduled, StatusConfirmed)...)
	table := s.visits.Table().Name

	var st Stats
	err = store.Run(ctx, s.db, func(ctx context.Context, tx store.Tx) error {
		counts := []struct {
			into  *int
			where []store.Cond
		}{
			{&st.Total, with(live)},
			{&st.Cancelled, with(store.Eq("status", string(StatusCancelled)))},
			{&st.Completed, with(live, store.Eq("status", string(StatusCompleted)))},
			{&st.Upcoming, with(live, open, store.Gte("scheduled_at", now))},
			{&st.Overdue, with(live, open, store.Lt("scheduled_at", now))},
		}
		for _, c := range counts {
			n, err := tx.Count(ctx, table, c.where)
			if err != nil {
				return err
			}
			*c.into = n
		}
		deletedCancelled, err := tx.Count(ctx, table, with(store.Eq("status", string(StatusCancelled)), store.NotNull(store.ColDeletedAt)))
		if err != nil {
			return err
		}
		st.Total += deletedCancelled

		completed, err := tx.Find(ctx, table, store.Query{Where: with(live, store.Eq("status", string(StatusCompleted)))})
		if err != nil {
			return err
		}
		st.AverageDuration = averageDuration(completed)
		st.AverageSatisfaction = averageSatisfaction(completed)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	if st.Total > 0 {
		st.CompletionRate = int(math.Round(float64(st.Completed) / float64(st.Total) * 100))
	}
	return st, nil
}

func averageDuration(recs []store.Record) int {
	var sum, n int
	for _, r := range recs {
		if d := r.IntPtr("actual_duration"); d != nil {
			sum += *d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}

func averageSatisfaction(recs []store.Record) *float64 {
	var sum, n int
	for _, r := range recs {
		if v := r.IntPtr("client_satisfaction"); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := math.Round(float64(sum)/float64(n)*10) / 10
	return &avg
}
