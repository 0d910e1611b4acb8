package command

import (
	"github.com/rng-ops/infrasim/pkg/events"
)

// SubscribeEvents replays changelog entries after sinceSeq and then streams
// live events matching filter until the caller unsubscribes. The returned
// channel must be passed to UnsubscribeEvents when the caller is done.
func (s *Service) SubscribeEvents(filter events.Filter, sinceSeq uint64) (events.Subscriber, error) {
	var sub events.Subscriber
	err := instrument("events.subscribe", func() error {
		var err error
		sub, err = s.bus.Subscribe(filter, sinceSeq)
		return err
	})
	return sub, err
}

// UnsubscribeEvents stops delivery to sub and releases it.
func (s *Service) UnsubscribeEvents(sub events.Subscriber) {
	s.bus.Unsubscribe(sub)
}
