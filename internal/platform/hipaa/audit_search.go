package hipaa

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter selects audit entries. Zero fields do not filter.
type Filter struct {
	EntityType   string         `query:"entity_type"`
	EntityID     string         `query:"entity_id"`
	Action       Action         `query:"action"`
	ActorID      uuid.UUID      `query:"actor_id"`
	DataAccessed Classification `query:"data_accessed"`
	From         *time.Time     `query:"from"`
	To           *time.Time     `query:"to"`
	Limit        int            `query:"limit"`
	Offset       int            `query:"offset"`
}

func (f *Filter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// DateRange bounds a statistics query. Nil ends are open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// SearchResult is one page of entries, newest first.
type SearchResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// ActorCount is one row of the top-actor ranking.
type ActorCount struct {
	ActorID uuid.UUID `json:"actor_id"`
	Count   int       `json:"count"`
}

// Statistics summarizes the audit log over a date range.
type Statistics struct {
	Total            int            `json:"total"`
	ByAction         map[string]int `json:"by_action"`
	ByEntityType     map[string]int `json:"by_entity_type"`
	ByClassification map[string]int `json:"by_classification"`
	TopActors        []ActorCount   `json:"top_actors"`
}

// topActorLimit caps the actor ranking.
const topActorLimit = 10

func newStatistics() *Statistics {
	return &Statistics{
		ByAction:         make(map[string]int),
		ByEntityType:     make(map[string]int),
		ByClassification: make(map[string]int),
		TopActors:        []ActorCount{},
	}
}

func matchEntry(e *Entry, f Filter) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActorID != uuid.Nil && e.ActorID != f.ActorID {
		return false
	}
	if f.DataAccessed != "" && e.DataAccessed != f.DataAccessed {
		return false
	}
	return inRange(e.CreatedAt, f.From, f.To)
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func rankActors(counts map[uuid.UUID]int) []ActorCount {
	ranked := make([]ActorCount, 0, len(counts))
	for id, n := range counts {
		ranked = append(ranked, ActorCount{ActorID: id, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].ActorID.String() < ranked[j].ActorID.String()
	})
	if len(ranked) > topActorLimit {
		ranked = ranked[:topActorLimit]
	}
	return ranked
}

// MemorySink keeps entries in process memory. It backs tests and the
// in-memory store mode.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

func (s *MemorySink) Search(_ context.Context, f Filter) ([]Entry, int, error) {
	f.applyDefaults()

	s.mu.RLock()
	var filtered []Entry
	for i := range s.entries {
		if matchEntry(&s.entries[i], f) {
			filtered = append(filtered, s.entries[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	start := min(f.Offset, total)
	end := min(start+f.Limit, total)
	return filtered[start:end], total, nil
}

func (s *MemorySink) Statistics(_ context.Context, r DateRange) (*Statistics, error) {
	stats := newStatistics()
	actors := make(map[uuid.UUID]int)

	s.mu.RLock()
	for _, e := range s.entries {
		if !inRange(e.CreatedAt, r.From, r.To) {
			continue
		}
		stats.Total++
		stats.ByAction[string(e.Action)]++
		stats.ByEntityType[e.EntityType]++
		stats.ByClassification[string(e.DataAccessed)]++
		actors[e.ActorID]++
	}
	s.mu.RUnlock()

	stats.TopActors = rankActors(actors)
	return stats, nil
}
