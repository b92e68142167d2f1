package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherInvokesSubscribers(t *testing.T) {
	dispatcher := NewInMemoryDispatcher()

	var got []int64
	dispatcher.Subscribe(EventTicketEscalated, func(_ context.Context, event Event) error {
		got = append(got, event.TicketID)
		return nil
	})
	dispatcher.Subscribe(EventIssueClosed, func(_ context.Context, event Event) error {
		t.Errorf("handler for %s must not fire", event.Type)
		return nil
	})

	err := dispatcher.Publish(context.Background(), Event{Type: EventTicketEscalated, TicketID: 77})
	assert.NoError(t, err)
	assert.Equal(t, []int64{77}, got)
}

func TestDispatcherContinuesAfterHandlerError(t *testing.T) {
	dispatcher := NewInMemoryDispatcher()

	var secondCalled bool
	dispatcher.Subscribe(EventIssueUpdated, func(context.Context, Event) error {
		return errors.New("boom")
	})
	dispatcher.Subscribe(EventIssueUpdated, func(context.Context, Event) error {
		secondCalled = true
		return nil
	})

	err := dispatcher.Publish(context.Background(), Event{Type: EventIssueUpdated})
	assert.NoError(t, err)
	assert.True(t, secondCalled)
}
