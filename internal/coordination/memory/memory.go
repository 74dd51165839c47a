// Package memory implements the namespaced key/value store shared by agents,
// including the blocking creation and update waits. The store is the sole
// writer of memory rows and the sole publisher of memory events.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/domain"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/log"
)

// SaveRequest carries the inputs for Save. Namespace may be empty; Type
// defaults to json.
type SaveRequest struct {
	Namespace string
	Key       string
	Value     string
	Type      string
	Metadata  string
}

// Store owns the memory_entries table.
type Store struct {
	db    *store.DB
	buses *event.Buses
	clock clock.Clock
}

// NewStore creates a Store.
func NewStore(db *store.DB, buses *event.Buses, clk clock.Clock) *Store {
	return &Store{db: db, buses: buses, clock: clk}
}

// Save upserts an entry by (namespace, key). A new entry publishes Created;
// a changed value or metadata publishes Updated; saving the identical value
// and metadata writes nothing and publishes nothing.
func (s *Store) Save(ctx context.Context, req SaveRequest) error {
	if req.Key == "" {
		return fmt.Errorf("%w: key is required", domain.ErrInvalidArgument)
	}
	if req.Type == "" {
		req.Type = domain.DefaultMemoryType
	}

	now := s.clock.Now()
	var evt *event.MemoryEvent

	err := s.db.Write(ctx, func(ws *store.WriteScope) error {
		evt = nil
		existing, err := ws.Memory.Get(ctx, req.Namespace, req.Key)
		if err != nil && !errors.Is(err, domain.ErrMemoryNotFound) {
			return err
		}

		payload := event.MemoryPayload{
			Namespace: req.Namespace,
			Key:       req.Key,
			Value:     req.Value,
			Type:      req.Type,
			Metadata:  req.Metadata,
		}

		if existing == nil {
			entry := &domain.MemoryEntry{
				ID:            "mem-" + uuid.NewString(),
				Namespace:     req.Namespace,
				Key:           req.Key,
				Value:         req.Value,
				Type:          req.Type,
				Metadata:      req.Metadata,
				Size:          len(req.Value),
				IsCompressed:  domain.ShouldCompress(len(req.Value)),
				CreatedAt:     now,
				LastUpdatedAt: now,
			}
			if err := ws.Memory.Insert(ctx, entry); err != nil {
				return err
			}
			evt = &event.MemoryEvent{Type: event.MemoryCreated, Timestamp: now, Payload: payload}
			return nil
		}

		if existing.Value == req.Value && existing.Metadata == req.Metadata {
			// Identical save: no write, no event.
			return nil
		}

		updated := *existing
		updated.Value = req.Value
		updated.Type = req.Type
		updated.Metadata = req.Metadata
		updated.Size = len(req.Value)
		updated.IsCompressed = domain.ShouldCompress(len(req.Value))
		updated.LastUpdatedAt = now
		if err := ws.Memory.UpdateValue(ctx, &updated); err != nil {
			return err
		}
		evt = &event.MemoryEvent{Type: event.MemoryUpdated, Timestamp: now, Payload: payload}
		return nil
	})
	if err != nil {
		return err
	}

	if evt != nil {
		s.publish(*evt)
		log.Debug(log.CatMemory, "memory saved",
			"namespace", req.Namespace, "key", req.Key, "event", evt.Type)
	}
	return nil
}

// Read retrieves an entry and records the access (accessed_at, access_count)
// in the same transaction. Access updates publish no events.
func (s *Store) Read(ctx context.Context, namespace, key string) (*domain.MemoryEntry, error) {
	now := s.clock.Now()
	var entry *domain.MemoryEntry

	err := s.db.Write(ctx, func(ws *store.WriteScope) error {
		var err error
		entry, err = ws.Memory.Get(ctx, namespace, key)
		if err != nil {
			return err
		}
		if err := ws.Memory.TouchAccess(ctx, namespace, key, now); err != nil {
			return err
		}
		entry.AccessedAt = &now
		entry.AccessCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List retrieves all entries in a namespace ordered by creation time
// ascending. Read-only; no access tracking.
func (s *Store) List(ctx context.Context, namespace string) ([]*domain.MemoryEntry, error) {
	return s.db.Read().Memory.List(ctx, namespace)
}

// Delete removes an entry. Publishes Deleted only when a row existed.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	now := s.clock.Now()
	var evt *event.MemoryEvent

	err := s.db.Write(ctx, func(ws *store.WriteScope) error {
		evt = nil
		existing, err := ws.Memory.Get(ctx, namespace, key)
		if err != nil {
			if errors.Is(err, domain.ErrMemoryNotFound) {
				return nil
			}
			return err
		}

		existed, err := ws.Memory.Delete(ctx, namespace, key)
		if err != nil {
			return err
		}
		if existed {
			evt = &event.MemoryEvent{
				Type:      event.MemoryDeleted,
				Timestamp: now,
				Payload: event.MemoryPayload{
					Namespace: namespace,
					Key:       key,
					Value:     existing.Value,
					Type:      existing.Type,
					Metadata:  existing.Metadata,
				},
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evt != nil {
		s.publish(*evt)
		log.Debug(log.CatMemory, "memory deleted", "namespace", namespace, "key", key)
	}
	return nil
}

// WaitForCreation returns the entry for (namespace, key), blocking until it
// is created, the wait elapses, or ctx is cancelled. The existence check runs
// strictly after the subscription is established so a racing create is never
// missed.
func (s *Store) WaitForCreation(ctx context.Context, namespace, key string, waitUpTo time.Duration) (*domain.MemoryEntry, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	created := s.buses.Memory.SubscribeFiltered(subCtx, event.MemoryKey(event.MemoryCreated, namespace, key))

	// Subscription first, then the read: an entry created in between is seen
	// either here or on the channel.
	entry, err := s.db.Read().Memory.Get(ctx, namespace, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, domain.ErrMemoryNotFound) {
		return nil, err
	}

	return s.wait(ctx, created, namespace, key, waitUpTo)
}

// WaitForUpdate blocks until the entry's value changes, the wait elapses, or
// ctx is cancelled. The current value never satisfies the wait, and Created
// events are ignored.
func (s *Store) WaitForUpdate(ctx context.Context, namespace, key string, waitUpTo time.Duration) (*domain.MemoryEntry, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updated := s.buses.Memory.SubscribeFiltered(subCtx, event.MemoryKey(event.MemoryUpdated, namespace, key))

	return s.wait(ctx, updated, namespace, key, waitUpTo)
}

// wait blocks on the subscription until a matching event arrives. On wakeup
// the entry is re-read from the store; persist-before-publish guarantees the
// write is visible.
func (s *Store) wait(ctx context.Context, events <-chan event.MemoryEvent, namespace, key string, waitUpTo time.Duration) (*domain.MemoryEntry, error) {
	timer := time.NewTimer(waitUpTo)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("memory wait: %w", context.Canceled)
			}
			entry, err := s.db.Read().Memory.Get(ctx, namespace, key)
			if err == nil {
				return entry, nil
			}
			if !errors.Is(err, domain.ErrMemoryNotFound) {
				return nil, err
			}
			// Deleted between publish and the re-read; keep waiting.
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s/%s after %s", domain.ErrTimeout, namespace, key, waitUpTo)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) publish(evt event.MemoryEvent) {
	if err := s.buses.Memory.Publish(evt); err != nil {
		log.ErrorErr(log.CatMemory, "memory event publish failed", err, "type", evt.Type)
	}
}
