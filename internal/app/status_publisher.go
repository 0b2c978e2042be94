package app

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"realtime_polls/internal/domain/poll"
)

// FanoutPublisher hands every status change to each sink in order. A failing
// sink does not keep the change from the others.
type FanoutPublisher struct {
	sinks  []poll.StatusPublisher
	logger *logrus.Entry
}

func NewFanoutPublisher(logger *logrus.Entry, sinks ...poll.StatusPublisher) *FanoutPublisher {
	return &FanoutPublisher{
		sinks:  sinks,
		logger: logger.WithField("component", "status_fanout"),
	}
}

// Add registers another sink. Not safe once publishing has started.
func (f *FanoutPublisher) Add(sink poll.StatusPublisher) {
	f.sinks = append(f.sinks, sink)
}

func (f *FanoutPublisher) PublishStatusChange(ctx context.Context, change poll.StatusChange) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.PublishStatusChange(ctx, change); err != nil {
			f.logger.WithError(err).WithField("poll_id", change.PollID).Warn("Status sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
