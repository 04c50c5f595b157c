package service_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/repo"
	"github.com/hatchpoint/messaging/internal/service"
)

// memState is a shared in-memory store behind the fake repositories. The
// fakes ignore the sqlx handles, so a nil transaction from fakeTx is fine.
type memState struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*model.Message
	convs    map[uuid.UUID]*model.Conversation
	events   map[uuid.UUID][]model.MessageEvent
	logs     map[uuid.UUID]*model.WebhookLog
}

func newMemState() *memState {
	return &memState{
		messages: make(map[uuid.UUID]*model.Message),
		convs:    make(map[uuid.UUID]*model.Conversation),
		events:   make(map[uuid.UUID][]model.MessageEvent),
		logs:     make(map[uuid.UUID]*model.WebhookLog),
	}
}

func (st *memState) message(id uuid.UUID) *model.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	if m, ok := st.messages[id]; ok {
		cp := *m
		return &cp
	}
	return nil
}

func (st *memState) conv(id uuid.UUID) *model.Conversation {
	st.mu.Lock()
	defer st.mu.Unlock()
	if c, ok := st.convs[id]; ok {
		cp := *c
		return &cp
	}
	return nil
}

func (st *memState) messageCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.messages)
}

func (st *memState) convCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.convs)
}

func (st *memState) eventTypes(messageID uuid.UUID) []model.EventType {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []model.EventType
	for _, e := range st.events[messageID] {
		out = append(out, e.EventType)
	}
	return out
}

func (st *memState) log(id uuid.UUID) *model.WebhookLog {
	st.mu.Lock()
	defer st.mu.Unlock()
	if l, ok := st.logs[id]; ok {
		cp := *l
		return &cp
	}
	return nil
}

// fakeTx satisfies service.TxRunner without a database. The fakes never
// touch the handle, so nil is safe.
type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error { return fn(nil) }
func (fakeTx) DB() *sqlx.DB                                                 { return nil }

type fakeMessages struct{ st *memState }

var _ service.MessageStore = (*fakeMessages)(nil)

func (f *fakeMessages) Create(ctx context.Context, q sqlx.ExtContext, m *model.Message) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	if m.ProviderMessageID != nil {
		for _, other := range f.st.messages {
			if other.Provider == m.Provider && other.ProviderMessageID != nil &&
				*other.ProviderMessageID == *m.ProviderMessageID {
				return repo.ErrDuplicate
			}
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	cp := *m
	f.st.messages[m.ID] = &cp
	return nil
}

func (f *fakeMessages) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Message, error) {
	if m := f.st.message(id); m != nil {
		return m, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeMessages) GetByProviderMessageID(ctx context.Context, q sqlx.QueryerContext, provider model.Provider, providerMessageID string) (*model.Message, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, m := range f.st.messages {
		if m.Provider == provider && m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeMessages) Update(ctx context.Context, q sqlx.ExtContext, m *model.Message) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if _, ok := f.st.messages[m.ID]; !ok {
		return repo.ErrNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	f.st.messages[m.ID] = &cp
	return nil
}

func (f *fakeMessages) ListRetryDue(ctx context.Context, q sqlx.QueryerContext, now time.Time, limit int) ([]model.Message, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	var due []model.Message
	for _, m := range f.st.messages {
		if m.Status == model.StatusRetry && m.RetryAfter != nil && !m.RetryAfter.After(now) {
			due = append(due, *m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RetryAfter.Before(*due[j].RetryAfter) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeMessages) List(ctx context.Context, q sqlx.QueryerContext, filter repo.MessageFilter) ([]model.Message, int, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	var out []model.Message
	for _, m := range f.st.messages {
		if filter.ConversationID != uuid.Nil && m.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Direction != "" && m.Direction != filter.Direction {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (f *fakeMessages) ReassignConversation(ctx context.Context, q sqlx.ExtContext, source, target uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, m := range f.st.messages {
		if m.ConversationID == source {
			m.ConversationID = target
		}
	}
	return nil
}

func (f *fakeMessages) DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for id, m := range f.st.messages {
		if m.ConversationID == conversationID {
			delete(f.st.messages, id)
		}
	}
	return nil
}

type fakeConvs struct{ st *memState }

var _ service.ConversationStore = (*fakeConvs)(nil)

func (f *fakeConvs) Create(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	cp := *c
	f.st.convs[c.ID] = &cp
	return nil
}

func (f *fakeConvs) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Conversation, error) {
	if c := f.st.conv(id); c != nil {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeConvs) FindDirect(ctx context.Context, q sqlx.QueryerContext, a, b string, channel model.ChannelType) (*model.Conversation, error) {
	na, nb := model.NormalizeParticipants(a, b)

	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for _, c := range f.st.convs {
		if c.Kind != model.KindDirect || c.ChannelType != channel || c.Status == model.ConversationClosed {
			continue
		}
		if c.ParticipantA != nil && c.ParticipantB != nil && *c.ParticipantA == na && *c.ParticipantB == nb {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeConvs) BumpOnMessage(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, at time.Time, unreadDelta int) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, ok := f.st.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.MessageCount++
	c.UnreadCount += unreadDelta
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		t := at
		c.LastMessageAt = &t
	}
	return nil
}

func (f *fakeConvs) SetStatus(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, status model.ConversationStatus) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, ok := f.st.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.Status = status
	return nil
}

func (f *fakeConvs) Update(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if _, ok := f.st.convs[c.ID]; !ok {
		return repo.ErrNotFound
	}
	cp := *c
	f.st.convs[c.ID] = &cp
	return nil
}

func (f *fakeConvs) MarkRead(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	c, ok := f.st.convs[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.UnreadCount = 0
	return nil
}

func (f *fakeConvs) List(ctx context.Context, q sqlx.QueryerContext, filter repo.ConversationFilter) ([]model.Conversation, int, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	var out []model.Conversation
	for _, c := range f.st.convs {
		if filter.Participant != "" {
			matches := (c.ParticipantA != nil && *c.ParticipantA == filter.Participant) ||
				(c.ParticipantB != nil && *c.ParticipantB == filter.Participant)
			if !matches {
				continue
			}
		}
		if filter.ChannelType != "" && c.ChannelType != filter.ChannelType {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (f *fakeConvs) Search(ctx context.Context, q sqlx.QueryerContext, term string, limit int) ([]model.Conversation, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	term = strings.ToLower(term)
	var out []model.Conversation
	for _, c := range f.st.convs {
		if matchesTerm(c, term) {
			out = append(out, *c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesTerm(c *model.Conversation, term string) bool {
	if c.ParticipantA != nil && strings.Contains(strings.ToLower(*c.ParticipantA), term) {
		return true
	}
	if c.ParticipantB != nil && strings.Contains(strings.ToLower(*c.ParticipantB), term) {
		return true
	}
	return c.Title != nil && strings.Contains(strings.ToLower(*c.Title), term)
}

func (f *fakeConvs) Stats(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.ConversationStats, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()

	var s model.ConversationStats
	var sendSeconds float64
	var sentCount int
	for _, m := range f.st.messages {
		if m.ConversationID != id {
			continue
		}
		s.TotalMessages++
		switch m.Direction {
		case model.DirectionInbound:
			s.InboundMessages++
		case model.DirectionOutbound:
			s.OutboundMessages++
		}
		if m.Status == model.StatusFailed {
			s.FailedMessages++
		}
		if m.SentAt != nil {
			sendSeconds += m.SentAt.Sub(m.CreatedAt).Seconds()
			sentCount++
		}
	}
	if sentCount > 0 {
		s.AvgSendSeconds = sendSeconds / float64(sentCount)
	}
	return &s, nil
}

func (f *fakeConvs) Delete(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	delete(f.st.convs, id)
	return nil
}

type fakeEvents struct{ st *memState }

var _ service.EventStore = (*fakeEvents)(nil)

func (f *fakeEvents) Append(ctx context.Context, q sqlx.ExtContext, messageID uuid.UUID, eventType model.EventType, data model.Metadata) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.st.events[messageID] = append(f.st.events[messageID], model.MessageEvent{
		ID:        uuid.New(),
		MessageID: messageID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *fakeEvents) ListByMessage(ctx context.Context, q sqlx.QueryerContext, messageID uuid.UUID) ([]model.MessageEvent, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	out := make([]model.MessageEvent, len(f.st.events[messageID]))
	copy(out, f.st.events[messageID])
	return out, nil
}

func (f *fakeEvents) DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for msgID, m := range f.st.messages {
		if m.ConversationID == conversationID {
			delete(f.st.events, msgID)
		}
	}
	return nil
}

type fakeLogs struct{ st *memState }

var _ service.WebhookLogStore = (*fakeLogs)(nil)

func (f *fakeLogs) Create(ctx context.Context, q sqlx.ExtContext, l *model.WebhookLog) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt = time.Now().UTC()
	cp := *l
	f.st.logs[l.ID] = &cp
	return nil
}

func (f *fakeLogs) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.WebhookLog, error) {
	if l := f.st.log(id); l != nil {
		return l, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeLogs) MarkProcessed(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	l, ok := f.st.logs[id]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now().UTC()
	l.Processed = true
	l.ProcessedAt = &now
	return nil
}

func (f *fakeLogs) MarkError(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, msg string) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	l, ok := f.st.logs[id]
	if !ok {
		return repo.ErrNotFound
	}
	l.ErrorMessage = &msg
	return nil
}
