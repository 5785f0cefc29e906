package delivery

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

// Broadcast history document layout.
const (
	HistoryDocument = "broadcasts"
	BroadcastsKey   = "broadcasts"
	FailuresKey     = "failed_deliveries"
	StatsKey        = "stats"
)

// HistorySchema returns the record store schema of the history document.
func HistorySchema() recordstore.Schema {
	return recordstore.Schema{
		Name:        HistoryDocument,
		RequiredKey: BroadcastsKey,
		Keys:        []string{FailuresKey, StatsKey},
	}
}

// History persists run records, their failures and aggregate stats.
type History struct {
	store *recordstore.Store
}

// NewHistory registers the history schema on store.
func NewHistory(store *recordstore.Store) *History {
	store.Register(HistorySchema())
	return &History{store: store}
}

type historyDoc struct {
	runs     map[string]*domain.BroadcastRecord
	failures map[string][]domain.FailedDelivery
	stats    domain.BroadcastStats
}

func decodeHistory(doc recordstore.Document) (*historyDoc, error) {
	h := &historyDoc{
		runs:     make(map[string]*domain.BroadcastRecord),
		failures: make(map[string][]domain.FailedDelivery),
	}
	if err := recordstore.Decode(doc, BroadcastsKey, &h.runs); err != nil {
		return nil, err
	}
	if err := recordstore.Decode(doc, FailuresKey, &h.failures); err != nil {
		return nil, err
	}
	if err := recordstore.Decode(doc, StatsKey, &h.stats); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *historyDoc) encode(doc recordstore.Document) error {
	if err := recordstore.Encode(doc, BroadcastsKey, h.runs); err != nil {
		return err
	}
	if err := recordstore.Encode(doc, FailuresKey, h.failures); err != nil {
		return err
	}
	return recordstore.Encode(doc, StatsKey, h.stats)
}

func (hs *History) update(fn func(h *historyDoc) error) error {
	return hs.store.Update(HistoryDocument, func(doc recordstore.Document) error {
		h, err := decodeHistory(doc)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
		return h.encode(doc)
	})
}

func (hs *History) load() (*historyDoc, error) {
	doc, err := hs.store.Load(HistoryDocument)
	if err != nil {
		return nil, err
	}
	return decodeHistory(doc)
}

// checkpoint stores the run and its failures so far. When final is set the
// aggregate stats absorb the run's counters.
func (hs *History) checkpoint(rec domain.BroadcastRecord, failures []domain.FailedDelivery, final bool) error {
	return hs.update(func(h *historyDoc) error {
		r := rec
		r.FailedUsers = append([]string(nil), rec.FailedUsers...)
		h.runs[rec.ID] = &r
		h.failures[rec.ID] = append([]domain.FailedDelivery(nil), failures...)
		if final {
			h.stats.TotalBroadcasts++
			h.stats.TotalSent += rec.SentCount
			h.stats.TotalFailed += rec.FailedCount
		}
		return nil
	})
}

// Run returns one run record with its failures.
func (hs *History) Run(ctx context.Context, runID string) (*domain.BroadcastRecord, []domain.FailedDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	h, err := hs.load()
	if err != nil {
		return nil, nil, err
	}
	rec, ok := h.runs[runID]
	if !ok {
		return nil, nil, fmt.Errorf("run %s: %w", runID, shared.ErrNotFound)
	}
	return rec, h.failures[runID], nil
}

// Runs lists run records, newest first.
func (hs *History) Runs(ctx context.Context) ([]*domain.BroadcastRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := hs.load()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.BroadcastRecord, 0, len(h.runs))
	for _, r := range h.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// Stats returns the aggregate counters of finished runs.
func (hs *History) Stats(ctx context.Context) (domain.BroadcastStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.BroadcastStats{}, err
	}
	h, err := hs.load()
	if err != nil {
		return domain.BroadcastStats{}, err
	}
	return h.stats, nil
}
