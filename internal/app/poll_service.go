package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"realtime_polls/internal/domain/poll"
)

// Application-level errors for poll management
var ErrEmptyQuestion = fmt.Errorf("poll question must not be blank")
var ErrInvalidDateRange = fmt.Errorf("poll start date must be before its end date")
var ErrPollNotEditable = fmt.Errorf("only polls that have not started can be edited")

// PollEdit carries the fields to change. Nil or blank fields keep their value.
type PollEdit struct {
	Question  string
	StartDate *time.Time
	EndDate   *time.Time
}

type PollService struct {
	repo   poll.Repository
	clock  Clock
	logger *logrus.Entry
}

func NewPollService(repo poll.Repository, clock Clock, logger *logrus.Entry) *PollService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PollService{
		repo:   repo,
		clock:  clock,
		logger: logger.WithField("component", "poll_service"),
	}
}

// Create validates and stores a new poll. The repository plans and announces
// its transitions in the same transaction.
func (s *PollService) Create(ctx context.Context, question string, start, end time.Time) (*poll.Poll, error) {
	p := &poll.Poll{
		Question:  strings.TrimSpace(question),
		StartDate: start.Truncate(time.Second),
		EndDate:   end.Truncate(time.Second),
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	p.Status = poll.StatusAt(s.clock.Now(), p.StartDate, p.EndDate)

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create poll: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"poll_id": p.ID,
		"status":  p.Status,
	}).Info("Poll created")
	return p, nil
}

// Edit changes the question and dates of a poll that has not started yet.
func (s *PollService) Edit(ctx context.Context, id int64, edit PollEdit) (*poll.Poll, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != poll.StatusNotStarted {
		return nil, fmt.Errorf("%w: poll %d is %s", ErrPollNotEditable, id, p.Status)
	}

	if q := strings.TrimSpace(edit.Question); q != "" {
		p.Question = q
	}
	if edit.StartDate != nil {
		p.StartDate = edit.StartDate.Truncate(time.Second)
	}
	if edit.EndDate != nil {
		p.EndDate = edit.EndDate.Truncate(time.Second)
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	p.Status = poll.StatusAt(s.clock.Now(), p.StartDate, p.EndDate)

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update poll %d: %w", id, err)
	}
	s.logger.WithField("poll_id", id).Info("Poll edited")
	return p, nil
}

// Delete removes the poll; its transitions go with it.
func (s *PollService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, poll.ErrPollNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete poll %d: %w", id, err)
	}
	s.logger.WithField("poll_id", id).Info("Poll deleted")
	return nil
}

// Get recalculates the stored status before reading, so the result is right
// even if a transition is late.
func (s *PollService) Get(ctx context.Context, id int64) (*poll.Poll, error) {
	if err := s.repo.RecalculateStatus(ctx, id); err != nil {
		if errors.Is(err, poll.ErrPollNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to recalculate status of poll %d: %w", id, err)
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, poll.ErrPollNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get poll %d: %w", id, err)
	}
	return p, nil
}

// ListByStatus lists polls in the given status, or all polls for "".
func (s *PollService) ListByStatus(ctx context.Context, status poll.Status) ([]*poll.Poll, error) {
	if status == "" {
		polls, err := s.repo.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list polls: %w", err)
		}
		return polls, nil
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown poll status %q", status)
	}
	polls, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s polls: %w", status, err)
	}
	return polls, nil
}

func validate(p *poll.Poll) error {
	if p.Question == "" {
		return ErrEmptyQuestion
	}
	if !p.StartDate.Before(p.EndDate) {
		return ErrInvalidDateRange
	}
	return nil
}
