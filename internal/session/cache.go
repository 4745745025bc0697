// Package session provides per-project session tracking and a time-bounded
// message cache layered over the backend's session API.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/client"
	"github.com/thebtf/agentpool/internal/db/sqlite"
	"github.com/thebtf/agentpool/internal/pathkey"
	"github.com/thebtf/agentpool/pkg/models"
)

// Backend is the slice of the connection handle the cache calls into.
type Backend interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	CreateSession(ctx context.Context, title string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// messageKey is the composite cache key. Keying by session id alone would
// let one project's cached messages answer for another project's
// coincidentally-equal session id.
type messageKey struct {
	directory string
	sessionID string
}

type messageEntry struct {
	messages []models.Message
	cachedAt time.Time
}

// Cache tracks sessions, the active session per directory, and cached
// message histories. All three maps are guarded by one mutex; snapshots are
// returned, never internal slices.
type Cache struct {
	ttl      time.Duration
	activity *sqlite.ActivityStore // optional persistence, nil-safe
	now      func() time.Time      // test seam

	mu       sync.Mutex
	sessions map[string][]models.Session
	active   map[string]string
	messages map[messageKey]*messageEntry
	hydrated map[string]bool
}

// NewCache creates a cache with the given message TTL. activity may be nil,
// in which case LastActiveAt and the active pointer do not survive
// restarts.
func NewCache(ttl time.Duration, activity *sqlite.ActivityStore) *Cache {
	return &Cache{
		ttl:      ttl,
		activity: activity,
		now:      time.Now,
		sessions: make(map[string][]models.Session),
		active:   make(map[string]string),
		messages: make(map[messageKey]*messageEntry),
		hydrated: make(map[string]bool),
	}
}

// ListSessions fetches the authoritative list from the backend, merges in
// locally tracked LastActiveAt timestamps (in-memory first, then persisted
// activity), and replaces the cached list for the directory.
func (c *Cache) ListSessions(ctx context.Context, conn Backend, directory string) ([]models.Session, error) {
	key := pathkey.Normalize(directory)
	c.hydrate(ctx, key)

	remote, err := conn.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	persisted := c.persistedTimestamps(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	local := make(map[string]time.Time, len(c.sessions[key]))
	for _, s := range c.sessions[key] {
		local[s.ID] = s.LastActiveAt
	}

	for i := range remote {
		if at, ok := persisted[remote[i].ID]; ok {
			remote[i].Touch(at)
		}
		if at, ok := local[remote[i].ID]; ok {
			remote[i].Touch(at)
		}
	}

	c.sessions[key] = remote
	return snapshot(remote), nil
}

// CreateSession asks the backend to create a session and appends it to the
// cached list with LastActiveAt set to now. It does not mark the session
// active; callers decide.
func (c *Cache) CreateSession(ctx context.Context, conn Backend, title, directory string) (*models.Session, error) {
	key := pathkey.Normalize(directory)

	created, err := conn.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}

	now := c.now()
	created.Touch(now)

	c.mu.Lock()
	c.sessions[key] = append(c.sessions[key], *created)
	c.mu.Unlock()

	c.persistTouch(ctx, key, created.ID, now)
	return created, nil
}

// SetActive records the active session id for a directory and bumps that
// session's LastActiveAt.
func (c *Cache) SetActive(ctx context.Context, sessionID, directory string) {
	key := pathkey.Normalize(directory)
	now := c.now()

	c.mu.Lock()
	c.active[key] = sessionID
	list := c.sessions[key]
	for i := range list {
		if list[i].ID == sessionID {
			list[i].Touch(now)
			break
		}
	}
	c.mu.Unlock()

	if c.activity != nil {
		if err := c.activity.SetActive(ctx, pathkey.ProjectLabel(key), sessionID, now); err != nil {
			log.Warn().Err(err).Str("directory", key).Msg("Failed to persist active session")
		}
	}
}

// GetActive returns the active session id for a directory, if any.
func (c *Cache) GetActive(ctx context.Context, directory string) (string, bool) {
	key := pathkey.Normalize(directory)
	c.hydrate(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[key]
	return id, ok
}

// ClearActive removes the active-session pointer for a directory.
func (c *Cache) ClearActive(ctx context.Context, directory string) {
	key := pathkey.Normalize(directory)

	c.mu.Lock()
	delete(c.active, key)
	c.mu.Unlock()

	if c.activity != nil {
		if err := c.activity.ClearActive(ctx, pathkey.ProjectLabel(key)); err != nil {
			log.Warn().Err(err).Str("directory", key).Msg("Failed to clear persisted active session")
		}
	}
}

// DeleteSession deletes the session remotely and purges every local trace:
// the cached list entry, the message cache entry, and the active pointer if
// it pointed at the deleted id. When the backend reports the session as
// already gone, local state is still purged and the error surfaced.
func (c *Cache) DeleteSession(ctx context.Context, conn Backend, sessionID, directory string) error {
	key := pathkey.Normalize(directory)

	err := conn.DeleteSession(ctx, sessionID)
	if err != nil && !errors.Is(err, client.ErrSessionNotFound) {
		return err
	}

	c.mu.Lock()
	list := c.sessions[key]
	for i := range list {
		if list[i].ID == sessionID {
			c.sessions[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(c.messages, messageKey{directory: key, sessionID: sessionID})
	if c.active[key] == sessionID {
		delete(c.active, key)
	}
	c.mu.Unlock()

	if c.activity != nil {
		if dbErr := c.activity.Delete(ctx, pathkey.ProjectLabel(key), sessionID); dbErr != nil {
			log.Warn().Err(dbErr).Str("directory", key).Msg("Failed to delete persisted activity")
		}
	}
	return err
}

// GetMessages returns the session's message history. With useCache true, a
// non-stale entry under the composite (directory, session) key is returned
// without a backend call; otherwise the history is fetched fresh and
// cached.
func (c *Cache) GetMessages(ctx context.Context, conn Backend, sessionID, directory string, useCache bool) ([]models.Message, error) {
	key := messageKey{directory: pathkey.Normalize(directory), sessionID: sessionID}

	if useCache {
		c.mu.Lock()
		entry, ok := c.messages[key]
		if ok && c.now().Sub(entry.cachedAt) <= c.ttl {
			msgs := snapshot(entry.messages)
			c.mu.Unlock()
			return msgs, nil
		}
		c.mu.Unlock()
	}

	fresh, err := conn.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.messages[key] = &messageEntry{messages: fresh, cachedAt: c.now()}
	c.mu.Unlock()

	return snapshot(fresh), nil
}

// InvalidateMessages removes cached messages for a session. With a
// directory it removes exactly that composite entry; with an empty
// directory it removes every entry for the session id, for call sites that
// do not know the directory context.
func (c *Cache) InvalidateMessages(sessionID, directory string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if directory != "" {
		delete(c.messages, messageKey{directory: pathkey.Normalize(directory), sessionID: sessionID})
		return
	}
	for key := range c.messages {
		if key.sessionID == sessionID {
			delete(c.messages, key)
		}
	}
}

// InvalidateSessions drops the cached session list, the active pointer, and
// every message entry for a directory, leaving other directories' caches
// untouched. Persisted activity is kept so the project picks up where it
// left off when reopened.
func (c *Cache) InvalidateSessions(directory string) {
	key := pathkey.Normalize(directory)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, key)
	delete(c.active, key)
	delete(c.hydrated, key)
	for mk := range c.messages {
		if mk.directory == key {
			delete(c.messages, mk)
		}
	}
}

// CachedSessions returns the cached list without a backend call.
func (c *Cache) CachedSessions(directory string) []models.Session {
	key := pathkey.Normalize(directory)
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot(c.sessions[key])
}

// hydrate loads the persisted active pointer for a directory on first
// touch. Failures degrade to empty local state.
func (c *Cache) hydrate(ctx context.Context, key string) {
	c.mu.Lock()
	if c.hydrated[key] || c.activity == nil {
		c.hydrated[key] = true
		c.mu.Unlock()
		return
	}
	c.hydrated[key] = true
	c.mu.Unlock()

	id, err := c.activity.ActiveSession(ctx, pathkey.ProjectLabel(key))
	if err != nil {
		log.Warn().Err(err).Str("directory", key).Msg("Failed to load persisted active session")
		return
	}
	if id == "" {
		return
	}

	c.mu.Lock()
	if _, ok := c.active[key]; !ok {
		c.active[key] = id
	}
	c.mu.Unlock()
}

// persistedTimestamps returns persisted LastActiveAt values by session id.
func (c *Cache) persistedTimestamps(ctx context.Context, key string) map[string]time.Time {
	if c.activity == nil {
		return nil
	}
	rows, err := c.activity.LoadProject(ctx, pathkey.ProjectLabel(key))
	if err != nil {
		log.Warn().Err(err).Str("directory", key).Msg("Failed to load persisted activity")
		return nil
	}
	byID := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		byID[row.SessionID] = row.LastActiveAt
	}
	return byID
}

func (c *Cache) persistTouch(ctx context.Context, key, sessionID string, at time.Time) {
	if c.activity == nil {
		return
	}
	if err := c.activity.Touch(ctx, pathkey.ProjectLabel(key), sessionID, at); err != nil {
		log.Warn().Err(err).Str("directory", key).Msg("Failed to persist session activity")
	}
}

func snapshot[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
