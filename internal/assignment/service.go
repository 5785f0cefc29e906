// Package assignment sends assignments through the delivery engine and
// collects the solutions mentees submit for them.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/mentorbot/internal/delivery"
	"github.com/ashureev/mentorbot/internal/directory"
	"github.com/ashureev/mentorbot/internal/domain"
	"github.com/ashureev/mentorbot/internal/gateway"
	"github.com/ashureev/mentorbot/internal/recordstore"
	"github.com/ashureev/mentorbot/internal/shared"
)

// Service manages assignments and solutions.
type Service struct {
	dir    *directory.Repository
	engine *delivery.Engine
	store  *recordstore.Store
	gw     gateway.Gateway
	roster domain.Roster
	logger *slog.Logger
	now    func() time.Time
}

// NewService registers the assignment schema on store.
func NewService(dir *directory.Repository, engine *delivery.Engine, store *recordstore.Store, gw gateway.Gateway, roster domain.Roster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	store.Register(Schema())
	return &Service{
		dir:    dir,
		engine: engine,
		store:  store,
		gw:     gw,
		roster: roster,
		logger: logger,
		now:    time.Now,
	}
}

type book struct {
	assignments map[string]*domain.Assignment
	solutions   map[string]*domain.Solution
	recipients  map[string][]string
}

func decodeBook(doc recordstore.Document) (*book, error) {
	b := &book{
		assignments: make(map[string]*domain.Assignment),
		solutions:   make(map[string]*domain.Solution),
		recipients:  make(map[string][]string),
	}
	if err := recordstore.Decode(doc, AssignmentsKey, &b.assignments); err != nil {
		return nil, err
	}
	if err := recordstore.Decode(doc, SolutionsKey, &b.solutions); err != nil {
		return nil, err
	}
	if err := recordstore.Decode(doc, RecipientsKey, &b.recipients); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *book) encode(doc recordstore.Document) error {
	if err := recordstore.Encode(doc, AssignmentsKey, b.assignments); err != nil {
		return err
	}
	if err := recordstore.Encode(doc, SolutionsKey, b.solutions); err != nil {
		return err
	}
	return recordstore.Encode(doc, RecipientsKey, b.recipients)
}

func (s *Service) load(ctx context.Context) (*book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.store.Load(DocumentName)
	if err != nil {
		return nil, err
	}
	return decodeBook(doc)
}

func (s *Service) update(fn func(b *book) error) error {
	return s.store.Update(DocumentName, func(doc recordstore.Document) error {
		b, err := decodeBook(doc)
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
		return b.encode(doc)
	})
}

// SendRequest describes a new assignment.
type SendRequest struct {
	IssuerID string
	// Levels selects the recipients unless All is set.
	Levels   []domain.Level
	All      bool
	Payload  domain.Payload
	Progress func(delivery.Progress)
}

// Send delivers an assignment and records it with its recipient list.
func (s *Service) Send(ctx context.Context, req SendRequest) (*domain.Assignment, *delivery.Report, error) {
	target := delivery.Target{Kind: delivery.TargetLevels, Levels: req.Levels}
	if req.All {
		target = delivery.Target{Kind: delivery.TargetAll}
	}
	users, err := s.dir.Users(ctx)
	if err != nil {
		return nil, nil, err
	}
	recipients, err := delivery.SelectRecipients(users, s.roster, req.IssuerID, target, s.dir.Today())
	if err != nil {
		return nil, nil, err
	}

	report, err := s.engine.Run(ctx, delivery.Request{
		IssuerID:   req.IssuerID,
		Target:     "assignment to " + target.String(),
		Kind:       domain.RunAssignment,
		Payload:    req.Payload,
		Recipients: recipients,
		Progress:   req.Progress,
	})
	if report == nil {
		return nil, nil, err
	}
	if err != nil {
		s.logger.Warn("Assignment run was not fully persisted", "run_id", report.RunID, "error", err)
	}

	issuerName := req.IssuerID
	if u, ok := users[req.IssuerID]; ok {
		issuerName = u.FullName()
	}
	a := &domain.Assignment{
		ID:          uuid.NewString(),
		IssuerID:    req.IssuerID,
		IssuerName:  issuerName,
		Levels:      req.Levels,
		AllLevels:   req.All,
		Payload:     req.Payload,
		BroadcastID: report.RunID,
		SentCount:   report.Sent,
		CreatedAt:   s.now(),
	}
	if req.All {
		a.Levels = nil
	}
	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	err = s.update(func(b *book) error {
		b.assignments[a.ID] = a
		b.recipients[a.ID] = ids
		return nil
	})
	if err != nil {
		return nil, report, fmt.Errorf("record assignment: %w", err)
	}
	s.logger.Info("Assignment sent", "assignment_id", a.ID, "run_id", report.RunID,
		"sent", report.Sent, "failed", report.Failed)
	return a, report, nil
}

// Submit records a mentee's solution and forwards it to their mentor. The
// mentor is resolved at submission time. A failed forward is logged; the
// solution stays recorded.
func (s *Service) Submit(ctx context.Context, assignmentID, studentID string, p domain.Payload) (*domain.Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidRequest, err)
	}
	student, err := s.dir.Get(ctx, studentID)
	if err != nil {
		return nil, err
	}

	sol := &domain.Solution{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		StudentID:    studentID,
		StudentName:  student.FullName(),
		MentorID:     student.Mentor,
		Payload:      p,
		SubmittedAt:  s.now(),
	}
	err = s.update(func(b *book) error {
		a, ok := b.assignments[assignmentID]
		if !ok {
			return fmt.Errorf("assignment %s: %w", assignmentID, shared.ErrNotFound)
		}
		if !contains(b.recipients[assignmentID], studentID) {
			return fmt.Errorf("%w: assignment %s was not sent to %s", shared.ErrPermission, assignmentID, studentID)
		}
		b.solutions[sol.ID] = sol
		a.SolutionsCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Solution submitted", "assignment_id", assignmentID, "user_id", studentID, "mentor_id", sol.MentorID)

	if sol.MentorID != "" {
		fwd := p.WithPrefix(fmt.Sprintf("Solution from %s:\n", sol.StudentName))
		if err := s.gw.Send(ctx, sol.MentorID, fwd); err != nil {
			s.logger.Warn("Failed to forward solution", "solution_id", sol.ID, "mentor_id", sol.MentorID,
				"error_type", gateway.Classify(err), "error", err)
		}
	}
	return sol, nil
}

// Get returns one assignment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Assignment, error) {
	b, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := b.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, shared.ErrNotFound)
	}
	return a, nil
}

// List returns every assignment, newest first.
func (s *Service) List(ctx context.Context) ([]*domain.Assignment, error) {
	b, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Assignment, 0, len(b.assignments))
	for _, a := range b.assignments {
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

// For returns the assignments sent to userID, newest first.
func (s *Service) For(ctx context.Context, userID string) ([]*domain.Assignment, error) {
	b, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Assignment
	for id, a := range b.assignments {
		if contains(b.recipients[id], userID) {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

// Solutions lists solutions of one assignment, oldest first.
func (s *Service) Solutions(ctx context.Context, assignmentID string) ([]*domain.Solution, error) {
	return s.solutions(ctx, func(sol *domain.Solution) bool { return sol.AssignmentID == assignmentID })
}

// SolutionsForMentor lists solutions routed to mentorID, oldest first.
func (s *Service) SolutionsForMentor(ctx context.Context, mentorID string) ([]*domain.Solution, error) {
	return s.solutions(ctx, func(sol *domain.Solution) bool { return sol.MentorID == mentorID })
}

func (s *Service) solutions(ctx context.Context, keep func(*domain.Solution) bool) ([]*domain.Solution, error) {
	b, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Solution
	for _, sol := range b.solutions {
		if keep(sol) {
			out = append(out, sol)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func sortAssignments(as []*domain.Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID > as[j].ID
		}
		return as[i].CreatedAt.After(as[j].CreatedAt)
	})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
