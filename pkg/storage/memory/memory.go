// Package memory provides an in-memory implementation of transport.ChatStore
// for testing and lightweight deployments. Chats are stored in memory and
// lost when the process restarts. Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
)

// entry holds a stored chat and its owner.
type entry struct {
	chat    *api.ChatResponse
	ownerID string
	lruElem *list.Element // position in LRU list
}

// Store is an in-memory ChatStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
}

// Ensure Store implements transport.ChatStore at compile time.
var _ transport.ChatStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the oldest entry is evicted when the
// limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveChat persists a chat in memory.
func (s *Store) SaveChat(ctx context.Context, chat *api.ChatResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[chat.ID]; exists {
		return storage.ErrConflict
	}

	ownerID := storage.OwnerFromContext(ctx)

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(chat.ID)
	s.entries[chat.ID] = &entry{
		chat:    chat,
		ownerID: ownerID,
		lruElem: elem,
	}

	return nil
}

// GetChat retrieves a chat by ID. Returns ErrNotFound if the chat does
// not exist. Scoped by owner when an owner is present in the context.
func (s *Store) GetChat(ctx context.Context, id string) (*api.ChatResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	// Owner scoping.
	ownerID := storage.OwnerFromContext(ctx)
	if ownerID != "" && e.ownerID != ownerID {
		return nil, storage.ErrNotFound
	}

	return e.chat, nil
}

// DeleteChat removes a stored chat.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}

	// Owner scoping.
	ownerID := storage.OwnerFromContext(ctx)
	if ownerID != "" && e.ownerID != ownerID {
		return storage.ErrNotFound
	}

	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// ListChats returns a paginated list of stored chats filtered by owner
// and optionally by model, with cursor-based pagination.
func (s *Store) ListChats(ctx context.Context, opts transport.ListOptions) (*transport.ChatList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ownerID := storage.OwnerFromContext(ctx)

	// Collect matching entries.
	var matches []*api.ChatResponse
	for _, e := range s.entries {
		if ownerID != "" && e.ownerID != ownerID {
			continue
		}
		if opts.Model != "" && e.chat.Model != opts.Model {
			continue
		}
		matches = append(matches, e.chat)
	}

	// Sort by created_at. Default is desc (newest first).
	asc := opts.Order == "asc"
	sort.Slice(matches, func(i, j int) bool {
		if asc {
			if matches[i].CreatedAt != matches[j].CreatedAt {
				return matches[i].CreatedAt < matches[j].CreatedAt
			}
			return matches[i].ID < matches[j].ID
		}
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID > matches[j].ID
	})

	// Apply cursor-based pagination.
	if opts.After != "" {
		idx := -1
		for i, c := range matches {
			if c.ID == opts.After {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	}

	// Apply limit.
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &transport.ChatList{
		Object:  "list",
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	}
	if result.Data == nil {
		result.Data = []*api.ChatResponse{}
	}

	return result, nil
}

// evictOldest removes the least recently used entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	if e, ok := s.entries[id]; ok {
		s.lruList.Remove(e.lruElem)
	}
	delete(s.entries, id)
}
