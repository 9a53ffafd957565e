// Package memory provides in-process implementations of the repository
// interfaces. It backs local runs (STORE_DRIVER=memory) and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/repository"
)

var (
	_ repository.CampaignRepository    = (*CampaignRepo)(nil)
	_ repository.SubscriberRepository  = (*SubscriberRepo)(nil)
	_ repository.ContactRepository     = (*ContactRepo)(nil)
	_ repository.DeliveryLogRepository = (*DeliveryLogRepo)(nil)
	_ repository.ChannelRepository     = (*ChannelRepo)(nil)
)

// Store holds every table behind one mutex. Rows are copied on the way in
// and out so callers never share memory with the store.
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	campaigns   map[int64]*entity.Campaign
	messages    map[int64][]*entity.Message
	subscribers map[int64]*entity.Subscriber
	contacts    map[int64]*entity.Contact
	channels    map[int64]*entity.Channel
	logs        map[logKey]*entity.DeliveryLogEntry
	seq         int64
}

type logKey struct{ subscriberID, messageID int64 }

// NewStore returns an empty store using time.Now.
func NewStore() *Store {
	return &Store{
		now:         time.Now,
		campaigns:   make(map[int64]*entity.Campaign),
		messages:    make(map[int64][]*entity.Message),
		subscribers: make(map[int64]*entity.Subscriber),
		contacts:    make(map[int64]*entity.Contact),
		channels:    make(map[int64]*entity.Channel),
		logs:        make(map[logKey]*entity.DeliveryLogEntry),
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// Campaigns returns the campaign repository view.
func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s} }

// Subscribers returns the subscriber repository view.
func (s *Store) Subscribers() *SubscriberRepo { return &SubscriberRepo{s} }

// DeliveryLogs returns the delivery log repository view.
func (s *Store) DeliveryLogs() *DeliveryLogRepo { return &DeliveryLogRepo{s} }

// Channels returns the channel repository view.
func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{s} }

// Contacts returns the contact repository view.
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s} }

// PutContact inserts or replaces a contact, assigning an ID when zero.
func (s *Store) PutContact(c *entity.Contact) *entity.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.ID == 0 {
		cp.ID = s.nextID()
	}
	cp.Details = copyMap(cp.Details)
	s.contacts[cp.ID] = &cp
	out := cp
	return &out
}

// DeleteSubscriber removes a subscriber row.
func (s *Store) DeleteSubscriber(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

/* ──────────────────────────────── campaigns ──────────────────────────────── */

type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) Get(_ context.Context, id int64) (*entity.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) GetStatus(_ context.Context, id int64) (entity.CampaignStatus, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if c, ok := r.s.campaigns[id]; ok {
		return c.Status, nil
	}
	return "", nil
}

func (r *CampaignRepo) ListMessages(_ context.Context, campaignID int64) ([]*entity.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src := r.s.messages[campaignID]
	out := make([]*entity.Message, 0, len(src))
	for _, m := range src {
		cp := *m
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *CampaignRepo) Create(_ context.Context, c *entity.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == 0 {
		c.ID = r.s.nextID()
	}
	now := r.s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepo) UpdateStatus(_ context.Context, id int64, status entity.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("UpdateStatus: %w", entity.ErrNotFound)
	}
	c.Status = status
	c.UpdatedAt = r.s.now()
	return nil
}

func (r *CampaignRepo) AddMessage(_ context.Context, m *entity.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.messages[m.CampaignID] {
		if existing.Order == m.Order {
			return fmt.Errorf("AddMessage: order %d: %w", m.Order, entity.ErrInvalidInput)
		}
	}
	if m.ID == 0 {
		m.ID = r.s.nextID()
	}
	cp := *m
	r.s.messages[m.CampaignID] = append(r.s.messages[m.CampaignID], &cp)
	return nil
}

// RemoveMessage deletes the message with the given order.
func (r *CampaignRepo) RemoveMessage(campaignID int64, order int) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	msgs := r.s.messages[campaignID]
	kept := msgs[:0]
	for _, m := range msgs {
		if m.Order != order {
			kept = append(kept, m)
		}
	}
	r.s.messages[campaignID] = kept
}

/* ──────────────────────────────── subscribers ──────────────────────────────── */

type SubscriberRepo struct{ s *Store }

func (r *SubscriberRepo) Get(_ context.Context, id int64) (*entity.Subscriber, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return nil, nil
	}
	return copySubscriber(sub), nil
}

func (r *SubscriberRepo) CreateIfNotExists(_ context.Context, sub *entity.Subscriber) (*entity.Subscriber, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.subscribers {
		if existing.CampaignID == sub.CampaignID && strings.EqualFold(existing.RecipientID, sub.RecipientID) {
			return copySubscriber(existing), false, nil
		}
	}
	cp := copySubscriber(sub)
	cp.ID = r.s.nextID()
	if cp.Status == "" {
		cp.Status = entity.SubscriberActive
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	now := r.s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	r.s.subscribers[cp.ID] = cp
	return copySubscriber(cp), true, nil
}

func (r *SubscriberRepo) UpdateMetadata(_ context.Context, id int64, metadata map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return fmt.Errorf("UpdateMetadata: %w", entity.ErrNotFound)
	}
	sub.Metadata = copyMap(metadata)
	sub.UpdatedAt = r.s.now()
	return nil
}

func (r *SubscriberRepo) MarkSent(_ context.Context, id int64, order int, sentAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return fmt.Errorf("MarkSent: %w", entity.ErrNotFound)
	}
	if order > sub.LastSentOrder {
		sub.LastSentOrder = order
	}
	t := sentAt
	sub.LastSentAt = &t
	sub.UpdatedAt = r.s.now()
	return nil
}

func (r *SubscriberRepo) UpdateStatus(_ context.Context, id int64, status entity.SubscriberStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return fmt.Errorf("UpdateStatus: %w", entity.ErrNotFound)
	}
	sub.Status = status
	sub.UpdatedAt = r.s.now()
	return nil
}

type ContactRepo struct{ s *Store }

func (r *ContactRepo) Get(_ context.Context, id int64) (*entity.Contact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Details = copyMap(c.Details)
	return &cp, nil
}

/* ──────────────────────────────── delivery logs ──────────────────────────────── */

type DeliveryLogRepo struct{ s *Store }

func (r *DeliveryLogRepo) Find(_ context.Context, subscriberID, messageID int64) (*entity.DeliveryLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.logs[logKey{subscriberID, messageID}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *DeliveryLogRepo) Record(_ context.Context, entry *entity.DeliveryLogEntry) (*entity.DeliveryLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := logKey{entry.SubscriberID, entry.MessageID}
	if existing, ok := r.s.logs[key]; ok {
		if existing.IsSent() {
			cp := *existing
			return &cp, nil
		}
		cp := *entry
		cp.ID = existing.ID
		cp.CreatedAt = r.s.now()
		r.s.logs[key] = &cp
		out := cp
		return &out, nil
	}
	cp := *entry
	cp.ID = r.s.nextID()
	cp.CreatedAt = r.s.now()
	r.s.logs[key] = &cp
	out := cp
	return &out, nil
}

func (r *DeliveryLogRepo) ListBySubscriber(_ context.Context, subscriberID int64) ([]*entity.DeliveryLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*entity.DeliveryLogEntry, 0, 4)
	for k, e := range r.s.logs {
		if k.subscriberID == subscriberID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

/* ──────────────────────────────── channels ──────────────────────────────── */

type ChannelRepo struct{ s *Store }

func (r *ChannelRepo) Get(_ context.Context, id int64) (*entity.Channel, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ch, ok := r.s.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *ch
	cp.Credential = ""
	return &cp, nil
}

func (r *ChannelRepo) GetCredential(_ context.Context, id int64) (string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ch, ok := r.s.channels[id]
	if !ok {
		return "", fmt.Errorf("GetCredential: %w", entity.ErrNotFound)
	}
	return ch.Credential, nil
}

func (r *ChannelRepo) Upsert(_ context.Context, ch *entity.Channel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *ch
	r.s.channels[ch.ID] = &cp
	return nil
}

func (r *ChannelRepo) List(_ context.Context) ([]*entity.Channel, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*entity.Channel, 0, len(r.s.channels))
	for _, ch := range r.s.channels {
		cp := *ch
		cp.Credential = ""
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copySubscriber(s *entity.Subscriber) *entity.Subscriber {
	cp := *s
	cp.Metadata = copyMap(s.Metadata)
	if s.ContactID != nil {
		id := *s.ContactID
		cp.ContactID = &id
	}
	if s.LastSentAt != nil {
		t := *s.LastSentAt
		cp.LastSentAt = &t
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
