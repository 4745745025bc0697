// Package orchestrator ties the process pool, the connection registry and
// the session cache into one coordinator with a notion of a current project.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/client"
	"github.com/thebtf/agentpool/internal/pathkey"
	"github.com/thebtf/agentpool/internal/pool"
	"github.com/thebtf/agentpool/internal/session"
	"github.com/thebtf/agentpool/pkg/models"
)

var (
	// ErrNoProject is returned by operations that need a current project
	// before SwitchProject has been called.
	ErrNoProject = errors.New("no project selected")

	// ErrNoActiveSession is returned by operations that default to the
	// active session when the project has none.
	ErrNoActiveSession = errors.New("no active session")
)

// Connector is the slice of the connection registry the orchestrator needs.
type Connector interface {
	Connect(ctx context.Context, directory string) (*client.Client, error)
	Remove(directory string)
}

// Pool is the slice of the process pool the orchestrator needs.
type Pool interface {
	Stop(directory string)
	StopAll()
	List() []*pool.ProcessRecord
	SetOnEvict(fn func(directory string))
}

// ProjectState describes a project right after switching to it.
type ProjectState struct {
	Directory       string           `json:"directory"`
	Sessions        []models.Session `json:"sessions"`
	ActiveSessionID string           `json:"activeSessionId,omitempty"`
}

// ProcessStatus is a snapshot of one pooled backend for status reporting.
type ProcessStatus struct {
	Directory         string    `json:"directory"`
	Port              int       `json:"port"`
	BaseURL           string    `json:"baseUrl"`
	Healthy           bool      `json:"healthy"`
	StartedAt         time.Time `json:"startedAt"`
	LastHealthCheckAt time.Time `json:"lastHealthCheckAt"`
}

// Orchestrator routes every operation to the backend of the right project
// and keeps the caches coherent with pool lifecycle events.
type Orchestrator struct {
	pool     Pool
	registry Connector
	cache    *session.Cache

	mu          sync.Mutex
	current     string
	notifyEvict func(directory string)
}

// New wires an orchestrator over the given pool, registry and cache. Pool
// evictions tear down the matching connection handle and cached sessions.
func New(p Pool, r Connector, c *session.Cache) *Orchestrator {
	o := &Orchestrator{
		pool:     p,
		registry: r,
		cache:    c,
	}
	p.SetOnEvict(o.onEvict)
	return o
}

// SetEvictionNotifier registers a callback invoked after a backend leaves
// the pool, once the caches have been invalidated. The HTTP layer hooks in
// here to publish eviction events to its stream subscribers.
func (o *Orchestrator) SetEvictionNotifier(fn func(directory string)) {
	o.mu.Lock()
	o.notifyEvict = fn
	o.mu.Unlock()
}

func (o *Orchestrator) onEvict(directory string) {
	o.registry.Remove(directory)
	o.cache.InvalidateSessions(directory)
	log.Debug().Str("directory", directory).Msg("Caches invalidated after eviction")

	o.mu.Lock()
	notify := o.notifyEvict
	o.mu.Unlock()
	if notify != nil {
		notify(directory)
	}
}

// CurrentProject returns the normalized directory of the current project,
// or "" when none is selected.
func (o *Orchestrator) CurrentProject() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SwitchProject makes directory the current project, spawning or reusing
// its backend, and returns its session list and active session. When no
// session is active yet the most recently used one is activated.
func (o *Orchestrator) SwitchProject(ctx context.Context, directory string) (*ProjectState, error) {
	key := pathkey.Normalize(directory)

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("switch project %s: %w", key, err)
	}

	o.mu.Lock()
	o.current = key
	o.mu.Unlock()

	sessions, err := o.cache.ListSessions(ctx, conn, key)
	if err != nil {
		// The backend is up but listing failed; the switch itself holds.
		log.Warn().Err(err).Str("directory", key).Msg("Session listing failed after switch")
		sessions = nil
	}

	active, ok := o.cache.GetActive(ctx, key)
	if !ok && len(sessions) > 0 {
		active = mostRecent(sessions).ID
		o.cache.SetActive(ctx, active, key)
	}

	log.Info().
		Str("directory", key).
		Int("sessions", len(sessions)).
		Str("activeSession", active).
		Msg("Project switched")

	return &ProjectState{
		Directory:       key,
		Sessions:        sessions,
		ActiveSessionID: active,
	}, nil
}

// CloseProject stops the backend for directory and drops its caches. An
// empty directory means the current project. Closing an unknown directory
// is a no-op.
func (o *Orchestrator) CloseProject(ctx context.Context, directory string) error {
	o.mu.Lock()
	if directory == "" {
		directory = o.current
	}
	if directory == "" {
		o.mu.Unlock()
		return ErrNoProject
	}
	key := pathkey.Normalize(directory)
	if o.current == key {
		o.current = ""
	}
	o.mu.Unlock()

	// Stop fires onEvict, which clears the registry handle and caches.
	o.pool.Stop(key)
	log.Info().Str("directory", key).Msg("Project closed")
	return nil
}

// Chat sends text to a session of the current project and returns the
// assistant reply. An empty sessionID means the active session; when none
// is active one is created and activated first, titled from the prompt.
func (o *Orchestrator) Chat(ctx context.Context, text, sessionID string) (*models.Message, error) {
	key := o.CurrentProject()
	if key == "" {
		return nil, ErrNoProject
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return nil, err
	}

	implicit := sessionID == ""
	if implicit {
		active, ok := o.cache.GetActive(ctx, key)
		if ok {
			sessionID = active
		} else {
			created, err := o.cache.CreateSession(ctx, conn, sessionTitle(text), key)
			if err != nil {
				return nil, fmt.Errorf("create session for chat: %w", err)
			}
			o.cache.SetActive(ctx, created.ID, key)
			sessionID = created.ID
		}
	}

	reply, err := conn.SendMessage(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}

	// The conversation changed; the next read must see the new turn.
	o.cache.InvalidateMessages(sessionID, key)
	// An explicit session id addresses a session without activating it;
	// only the implicit path refreshes the active pointer.
	if implicit {
		o.cache.SetActive(ctx, sessionID, key)
	}
	return reply, nil
}

// ListSessions returns the sessions of the current project. Without a
// current project the list is empty rather than an error.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]models.Session, error) {
	key := o.CurrentProject()
	if key == "" {
		return []models.Session{}, nil
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return nil, err
	}
	return o.cache.ListSessions(ctx, conn, key)
}

// CreateSession creates a session in the current project and makes it
// active.
func (o *Orchestrator) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	key := o.CurrentProject()
	if key == "" {
		return nil, ErrNoProject
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return nil, err
	}

	created, err := o.cache.CreateSession(ctx, conn, title, key)
	if err != nil {
		return nil, err
	}
	o.cache.SetActive(ctx, created.ID, key)
	return created, nil
}

// DeleteSession deletes a session from the current project. The cache
// clears the active pointer when it pointed at the deleted session.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	key := o.CurrentProject()
	if key == "" {
		return ErrNoProject
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return err
	}
	return o.cache.DeleteSession(ctx, conn, sessionID, key)
}

// SwitchSession makes sessionID the active session of the current project.
// The id must name a session the backend knows about.
func (o *Orchestrator) SwitchSession(ctx context.Context, sessionID string) error {
	key := o.CurrentProject()
	if key == "" {
		return ErrNoProject
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return err
	}

	sessions, err := o.cache.ListSessions(ctx, conn, key)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			o.cache.SetActive(ctx, sessionID, key)
			return nil
		}
	}
	return fmt.Errorf("switch session %s: %w", sessionID, client.ErrSessionNotFound)
}

// GetMessages returns the messages of a session in the current project,
// served from the cache when useCache is set and the entry is fresh. An
// empty sessionID means the active session.
func (o *Orchestrator) GetMessages(ctx context.Context, sessionID string, useCache bool) ([]models.Message, error) {
	key := o.CurrentProject()
	if key == "" {
		return nil, ErrNoProject
	}

	if sessionID == "" {
		active, ok := o.cache.GetActive(ctx, key)
		if !ok {
			return nil, ErrNoActiveSession
		}
		sessionID = active
	}

	conn, err := o.registry.Connect(ctx, key)
	if err != nil {
		return nil, err
	}
	return o.cache.GetMessages(ctx, conn, sessionID, key, useCache)
}

// ActiveSession returns the active session id of the current project.
func (o *Orchestrator) ActiveSession(ctx context.Context) (string, bool) {
	key := o.CurrentProject()
	if key == "" {
		return "", false
	}
	return o.cache.GetActive(ctx, key)
}

// PoolStatus snapshots every pooled backend for status endpoints.
func (o *Orchestrator) PoolStatus() []ProcessStatus {
	records := o.pool.List()
	out := make([]ProcessStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, ProcessStatus{
			Directory:         rec.Directory,
			Port:              rec.Port,
			BaseURL:           rec.BaseURL,
			Healthy:           rec.Healthy(),
			StartedAt:         rec.StartedAt,
			LastHealthCheckAt: rec.LastHealthCheckAt(),
		})
	}
	return out
}

// Shutdown stops every pooled backend.
func (o *Orchestrator) Shutdown() {
	o.pool.StopAll()
}

func mostRecent(sessions []models.Session) models.Session {
	best := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastActiveAt.After(best.LastActiveAt) ||
			(s.LastActiveAt.Equal(best.LastActiveAt) && s.UpdatedAt.After(best.UpdatedAt)) {
			best = s
		}
	}
	return best
}

func sessionTitle(text string) string {
	title := strings.TrimSpace(text)
	// Truncate on runes so a multi-byte character is never split.
	if r := []rune(title); len(r) > 50 {
		title = string(r[:50])
	}
	if title == "" {
		title = "New session"
	}
	return title
}
