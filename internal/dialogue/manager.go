// Package dialogue relays messages between a mentor and a direct mentee
// while a pairing is active.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/mentorbot/internal/assignment"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

// DefaultLogCapacity is the number of messages kept per pair.
const DefaultLogCapacity = 100

var errNoChange = errors.New("no change")

// Manager owns active pairings and conversation logs.
type Manager struct {
	dir      *directory.Repository
	store    *recordstore.Store
	gw       gateway.Gateway
	logger   *slog.Logger
	now      func() time.Time
	capacity int
}

// NewManager registers the assignment document schema, which holds the
// dialogue keys, on store.
func NewManager(dir *directory.Repository, store *recordstore.Store, gw gateway.Gateway, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	store.Register(assignment.Schema())
	return &Manager{
		dir:      dir,
		store:    store,
		gw:       gw,
		logger:   logger,
		now:      time.Now,
		capacity: DefaultLogCapacity,
	}
}

type state struct {
	active map[string]domain.Pairing
	logs   map[string][]domain.DialogueMessage
}

func decodeState(doc recordstore.Document) (*state, error) {
	st := &state{
		active: make(map[string]domain.Pairing),
		logs:   make(map[string][]domain.DialogueMessage),
	}
	if err := recordstore.Decode(doc, assignment.ActiveDialogueKey, &st.active); err != nil {
		return nil, err
	}
	if err := recordstore.Decode(doc, assignment.ConversationsKey, &st.logs); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *state) encode(doc recordstore.Document) error {
	if err := recordstore.Encode(doc, assignment.ActiveDialogueKey, st.active); err != nil {
		return err
	}
	return recordstore.Encode(doc, assignment.ConversationsKey, st.logs)
}

func (m *Manager) update(fn func(st *state) error) error {
	return m.store.Update(assignment.DocumentName, func(doc recordstore.Document) error {
		st, err := decodeState(doc)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		return st.encode(doc)
	})
}

func (m *Manager) load(ctx context.Context) (*state, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := m.store.Load(assignment.DocumentName)
	if err != nil {
		return nil, err
	}
	return decodeState(doc)
}

// PairKey is the log key of a pair. Both directions map to the same key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Start pairs a with b. Only a user and their direct mentor or direct mentee
// may be paired. Existing pairings of either side are superseded and the
// displaced partners are returned so they can be told.
func (m *Manager) Start(ctx context.Context, a, b, assignmentID string) ([]string, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a dialogue with yourself", shared.ErrInvalidRequest)
	}
	users, err := m.dir.Users(ctx)
	if err != nil {
		return nil, err
	}
	ua, okA := users[a]
	ub, okB := users[b]
	if !okA || !okB {
		return nil, fmt.Errorf("dialogue %s/%s: %w", a, b, shared.ErrNotFound)
	}
	if ua.Mentor != b && ub.Mentor != a {
		return nil, fmt.Errorf("%w: dialogues are limited to a mentor and a direct mentee", shared.ErrPermission)
	}

	var displaced []string
	now := m.now()
	err = m.update(func(st *state) error {
		for _, id := range []string{a, b} {
			p, ok := st.active[id]
			if !ok || p.PartnerID == a || p.PartnerID == b {
				continue
			}
			if back, ok := st.active[p.PartnerID]; ok && back.PartnerID == id {
				delete(st.active, p.PartnerID)
			}
			displaced = append(displaced, p.PartnerID)
		}
		st.active[a] = domain.Pairing{PartnerID: b, AssignmentID: assignmentID, StartedAt: now}
		st.active[b] = domain.Pairing{PartnerID: a, AssignmentID: assignmentID, StartedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Dialogue started", "user_id", a, "partner_id", b, "assignment_id", assignmentID)
	return displaced, nil
}

// Relay stores the message in the pair's log and forwards it to the partner
// with sender attribution. The log is written before the forward is
// attempted.
func (m *Manager) Relay(ctx context.Context, from string, p domain.Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrInvalidRequest, err)
	}
	var to string
	err := m.update(func(st *state) error {
		pairing, ok := st.active[from]
		if !ok {
			return shared.ErrNoActiveDialogue
		}
		to = pairing.PartnerID
		key := PairKey(from, to)
		log := append(st.logs[key], domain.DialogueMessage{
			SenderID:   from,
			ReceiverID: to,
			Timestamp:  m.now(),
			Content:    p,
		})
		if over := len(log) - m.capacity; over > 0 {
			log = append([]domain.DialogueMessage(nil), log[over:]...)
		}
		st.logs[key] = log
		return nil
	})
	if err != nil {
		return "", err
	}

	name := from
	if u, err := m.dir.Get(ctx, from); err == nil {
		name = u.FullName()
	}
	if err := m.gw.Send(ctx, to, p.WithPrefix(name+": ")); err != nil {
		m.logger.Warn("Failed to relay dialogue message", "user_id", from, "partner_id", to,
			"error_type", gateway.Classify(err), "error", err)
		return to, fmt.Errorf("relay to %s: %w", to, err)
	}
	return to, nil
}

// End removes the pairing of user for both participants. It reports false,
// and writes nothing, when user has no pairing.
func (m *Manager) End(ctx context.Context, user string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var partner string
	err := m.update(func(st *state) error {
		p, ok := st.active[user]
		if !ok {
			return errNoChange
		}
		partner = p.PartnerID
		delete(st.active, user)
		if back, ok := st.active[partner]; ok && back.PartnerID == user {
			delete(st.active, partner)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	m.logger.Info("Dialogue ended", "user_id", user, "partner_id", partner)
	return partner, true, nil
}

// Partner returns the active pairing of user.
func (m *Manager) Partner(ctx context.Context, user string) (domain.Pairing, bool, error) {
	st, err := m.load(ctx)
	if err != nil {
		return domain.Pairing{}, false, err
	}
	p, ok := st.active[user]
	return p, ok, nil
}

// History returns the capped log between a and b, oldest first.
func (m *Manager) History(ctx context.Context, a, b string) ([]domain.DialogueMessage, error) {
	st, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return st.logs[PairKey(a, b)], nil
}
