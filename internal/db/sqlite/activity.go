package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// ActivityStore persists locally tracked session activity: which session a
// project last touched and when. The backend owns the sessions themselves;
// this table only survives coordinator restarts so LastActiveAt and the
// active-session pointer do not reset to zero.
type ActivityStore struct {
	store *Store
}

// NewActivityStore creates a new activity store.
func NewActivityStore(store *Store) *ActivityStore {
	return &ActivityStore{store: store}
}

// Activity is one persisted (project, session) activity row.
type Activity struct {
	Project      string
	SessionID    string
	LastActiveAt time.Time
	IsActive     bool
}

// Touch records activity for a session. The timestamp never moves backwards.
func (a *ActivityStore) Touch(ctx context.Context, project, sessionID string, at time.Time) error {
	const query = `
		INSERT INTO session_activity (project, session_id, last_active_at_epoch, is_active)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (project, session_id)
		DO UPDATE SET last_active_at_epoch = MAX(last_active_at_epoch, excluded.last_active_at_epoch)
	`
	_, err := a.store.ExecContext(ctx, query, project, sessionID, at.UnixMilli())
	return err
}

// SetActive marks sessionID active for the project and touches it. Any
// previously active session for the project is demoted in the same
// transaction-free pass; at most one row per project carries the flag.
func (a *ActivityStore) SetActive(ctx context.Context, project, sessionID string, at time.Time) error {
	const clearQuery = `UPDATE session_activity SET is_active = 0 WHERE project = ? AND is_active = 1`
	if _, err := a.store.ExecContext(ctx, clearQuery, project); err != nil {
		return err
	}

	const query = `
		INSERT INTO session_activity (project, session_id, last_active_at_epoch, is_active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (project, session_id)
		DO UPDATE SET
			is_active = 1,
			last_active_at_epoch = MAX(last_active_at_epoch, excluded.last_active_at_epoch)
	`
	_, err := a.store.ExecContext(ctx, query, project, sessionID, at.UnixMilli())
	return err
}

// ClearActive removes the active flag for the project.
func (a *ActivityStore) ClearActive(ctx context.Context, project string) error {
	const query = `UPDATE session_activity SET is_active = 0 WHERE project = ?`
	_, err := a.store.ExecContext(ctx, query, project)
	return err
}

// ActiveSession returns the active session id for a project, or ("", nil)
// when none is recorded.
func (a *ActivityStore) ActiveSession(ctx context.Context, project string) (string, error) {
	const query = `
		SELECT session_id FROM session_activity
		WHERE project = ? AND is_active = 1
		LIMIT 1
	`
	var id string
	err := a.store.QueryRowContext(ctx, query, project).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// LoadProject returns all activity rows for a project.
func (a *ActivityStore) LoadProject(ctx context.Context, project string) ([]Activity, error) {
	const query = `
		SELECT project, session_id, last_active_at_epoch, is_active
		FROM session_activity
		WHERE project = ?
		ORDER BY last_active_at_epoch DESC
	`
	rows, err := a.store.QueryContext(ctx, query, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Activity
	for rows.Next() {
		var (
			act   Activity
			epoch int64
		)
		if err := rows.Scan(&act.Project, &act.SessionID, &epoch, &act.IsActive); err != nil {
			return nil, err
		}
		act.LastActiveAt = time.UnixMilli(epoch)
		result = append(result, act)
	}
	return result, rows.Err()
}

// Delete removes one (project, session) row.
func (a *ActivityStore) Delete(ctx context.Context, project, sessionID string) error {
	const query = `DELETE FROM session_activity WHERE project = ? AND session_id = ?`
	_, err := a.store.ExecContext(ctx, query, project, sessionID)
	return err
}
