package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/service"
)

func TestMessages_SendCreatesQueuedMessage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{
		From: "+15551234567",
		To:   "+15559876543",
		Body: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, model.ChannelSMS, msg.ChannelType)

	stored := e.st.message(msg.ID)
	require.NotNil(t, stored)
	require.Equal(t, model.StatusQueued, stored.Status)
	require.Equal(t, model.DirectionOutbound, stored.Direction)

	// The conversation exists but its counters do not move until delivery.
	conv := e.st.conv(msg.ConversationID)
	require.NotNil(t, conv)
	require.Equal(t, 0, conv.MessageCount)
	require.Nil(t, conv.LastMessageAt)

	require.Equal(t,
		[]model.EventType{model.EventCreated, model.EventQueued},
		e.st.eventTypes(msg.ID))

	depth, err := e.queue.Len(ctx, queue.StreamFor(model.ChannelSMS))
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestMessages_SendValidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  service.SendRequest
	}{
		{"missing from", service.SendRequest{To: "+15550001111", Body: "x"}},
		{"missing to", service.SendRequest{From: "+15550001111", Body: "x"}},
		{"empty content", service.SendRequest{From: "+15550001111", To: "+15550002222"}},
		{"bad email address", service.SendRequest{From: "a@b.test", To: "not-an-email", ChannelType: model.ChannelEmail, Body: "x"}},
		{"bad phone number", service.SendRequest{From: "+15550001111", To: "5550002222", Body: "x"}},
		{"unknown channel", service.SendRequest{From: "+15550001111", To: "+15550002222", ChannelType: "fax", Body: "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, tc.req)
			require.ErrorIs(t, err, service.ErrValidation)
		})
	}
}

func TestMessages_SendInfersChannel(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	email, err := svc.Send(ctx, service.SendRequest{From: "a@b.test", To: "c@d.test", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, model.ChannelEmail, email.ChannelType)

	mms, err := svc.Send(ctx, service.SendRequest{
		From:        "+15550001111",
		To:          "+15550002222",
		Body:        "pic",
		Attachments: []string{"https://img.test/1.jpg"},
	})
	require.NoError(t, err)
	require.Equal(t, model.ChannelMMS, mms.ChannelType)
}

func TestMessages_DeliverSuccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.Deliver(ctx, msg.ID))

	stored := e.st.message(msg.ID)
	require.Equal(t, model.StatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	require.NotNil(t, stored.ProviderMessageID)
	require.False(t, stored.Cost.IsZero())

	conv := e.st.conv(msg.ConversationID)
	require.Equal(t, 1, conv.MessageCount)
	require.NotNil(t, conv.LastMessageAt)

	require.Contains(t, e.st.eventTypes(msg.ID), model.EventSent)
	require.Len(t, e.mock.Sent(), 1)
}

func TestMessages_DeliverRateLimitedUsesProviderHint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{RetryDelay: time.Minute})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	e.mock.FailNext(&provider.RateLimitError{RetryAfter: 30 * time.Second})
	before := time.Now().UTC()
	require.NoError(t, svc.Deliver(ctx, msg.ID))

	stored := e.st.message(msg.ID)
	require.Equal(t, model.StatusRetry, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.RetryAfter)

	// retry_count was 0 at failure time, so the base delay is zero and the
	// provider hint dominates.
	require.False(t, stored.RetryAfter.Before(before.Add(30*time.Second)))
	require.Contains(t, e.st.eventTypes(msg.ID), model.EventRetry)
}

func TestMessages_DeliverServerErrorBackoff(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{RetryDelay: time.Minute, MaxRetries: 5})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	// Pretend two attempts already happened: base = 2m, server error -> 3m.
	stored := e.st.message(msg.ID)
	stored.RetryCount = 2
	require.NoError(t, e.deps.Messages.Update(ctx, nil, stored))

	e.mock.FailNext(&provider.ServerError{StatusCode: 502})
	before := time.Now().UTC()
	require.NoError(t, svc.Deliver(ctx, msg.ID))

	stored = e.st.message(msg.ID)
	require.Equal(t, model.StatusRetry, stored.Status)
	require.Equal(t, 3, stored.RetryCount)
	require.False(t, stored.RetryAfter.Before(before.Add(3*time.Minute)))
	require.True(t, stored.RetryAfter.Before(before.Add(4*time.Minute)))
}

func TestMessages_DeliverExhaustedRetriesFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{MaxRetries: 3})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	stored := e.st.message(msg.ID)
	stored.RetryCount = 3
	stored.Status = model.StatusRetry
	require.NoError(t, e.deps.Messages.Update(ctx, nil, stored))

	depthBefore, err := e.queue.Len(ctx, queue.StreamFor(model.ChannelSMS))
	require.NoError(t, err)

	require.NoError(t, svc.Deliver(ctx, msg.ID))

	stored = e.st.message(msg.ID)
	require.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.FailedAt)
	require.NotNil(t, stored.ErrorMessage)

	// No queue re-entry for a terminal failure.
	depthAfter, err := e.queue.Len(ctx, queue.StreamFor(model.ChannelSMS))
	require.NoError(t, err)
	require.Equal(t, depthBefore, depthAfter)

	// The provider was never called.
	require.Empty(t, e.mock.Sent())
}

func TestMessages_DeliverTerminalMessageIsNoop(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, svc.Deliver(ctx, msg.ID))
	require.NoError(t, svc.Deliver(ctx, msg.ID))

	// Second call must not reach the provider again.
	require.Len(t, e.mock.Sent(), 1)
}

func TestMessages_SyncProcessingDeliversInline(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{SyncProcessing: true})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, msg.Status)
	require.Len(t, e.mock.Sent(), 1)
}

func TestMessages_ReceiveIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	wh := provider.Webhook{
		Provider:          model.ProviderMock,
		ProviderMessageID: "X",
		From:              "+15559876543",
		To:                "+15551234567",
		ChannelType:       model.ChannelSMS,
		Body:              "hello back",
		Direction:         model.DirectionInbound,
	}

	first, err := svc.Receive(ctx, wh)
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, first.Status)
	require.NotNil(t, first.DeliveredAt)

	second, err := svc.Receive(ctx, wh)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, e.st.messageCount())

	conv := e.st.conv(first.ConversationID)
	require.Equal(t, 1, conv.MessageCount)
	require.Equal(t, 1, conv.UnreadCount)
}

func TestMessages_RetryFailedResetsAndRequeues(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{MaxRetries: 3})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	stored := e.st.message(msg.ID)
	stored.RetryCount = 3
	stored.Status = model.StatusRetry
	require.NoError(t, e.deps.Messages.Update(ctx, nil, stored))
	require.NoError(t, svc.Deliver(ctx, msg.ID)) // exhausts into FAILED

	reset, err := svc.RetryFailed(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, reset.Status)
	require.Equal(t, 0, reset.RetryCount)

	stored = e.st.message(msg.ID)
	require.Equal(t, model.StatusQueued, stored.Status)
	require.Nil(t, stored.FailedAt)
	require.Nil(t, stored.ErrorMessage)
}

func TestMessages_RetryFailedRejectsActiveMessage(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	_, err = svc.RetryFailed(ctx, msg.ID)
	require.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestMessages_EnqueueDueRetries(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	due, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "due"})
	require.NoError(t, err)
	notDue, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "later"})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Second)
	future := time.Now().UTC().Add(time.Hour)

	m := e.st.message(due.ID)
	m.Status = model.StatusRetry
	m.RetryAfter = &past
	require.NoError(t, e.deps.Messages.Update(ctx, nil, m))

	m = e.st.message(notDue.ID)
	m.Status = model.StatusRetry
	m.RetryAfter = &future
	require.NoError(t, e.deps.Messages.Update(ctx, nil, m))

	n, err := svc.EnqueueDueRetries(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Cleared so the next scan does not enqueue it again.
	require.Nil(t, e.st.message(due.ID).RetryAfter)
	require.NotNil(t, e.st.message(notDue.ID).RetryAfter)
}

func TestMessages_UpdateStatusTransitionGuard(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, svc.Deliver(ctx, msg.ID))

	ok, err := svc.UpdateStatus(ctx, msg.ID, model.StatusDelivered, model.Metadata{"source": "test"})
	require.NoError(t, err)
	require.True(t, ok)

	stored := e.st.message(msg.ID)
	require.Equal(t, model.StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)

	// Delivered is terminal; a regression to queued must be refused.
	ok, err = svc.UpdateStatus(ctx, msg.ID, model.StatusQueued, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMessages_GetCacheAside(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, msg.ID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)

	// Mutate the store behind the cache; the stale copy is served until an
	// invalidating write happens.
	stored := e.st.message(msg.ID)
	stored.Status = model.StatusSending
	require.NoError(t, e.deps.Messages.Update(ctx, nil, stored))

	got, err = svc.Get(ctx, msg.ID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)

	// An invalidating write flushes the cached copy.
	ok, err := svc.UpdateStatus(ctx, msg.ID, model.StatusSent, nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = svc.Get(ctx, msg.ID, true)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, got.Status)
	require.NotEmpty(t, got.Events)
}

func TestMessages_GetWithEventsBypassesCache(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	svc := e.messages(service.MessagesConfig{})
	ctx := context.Background()

	msg, err := svc.Send(ctx, service.SendRequest{From: "+15551234567", To: "+15559876543", Body: "hi"})
	require.NoError(t, err)

	// Warm the cache with the flat snapshot.
	got, err := svc.Get(ctx, msg.ID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)

	// Mutate the store behind the cache without invalidating.
	stored := e.st.message(msg.ID)
	stored.Status = model.StatusSending
	require.NoError(t, e.deps.Messages.Update(ctx, nil, stored))

	// The flat read still serves the snapshot, but the composite read goes
	// to the store so events never pair with a stale message.
	got, err = svc.Get(ctx, msg.ID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)

	got, err = svc.Get(ctx, msg.ID, true)
	require.NoError(t, err)
	require.Equal(t, model.StatusSending, got.Status)
	require.NotEmpty(t, got.Events)
}
