package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const upsertSession = `
INSERT INTO sessions (
    id, type, state, failure, confirmation, notification_id, notification_icon,
    notification_title, notification_text, installer_type, created_at, updated_at,
    last_launch_at, last_commit_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    type = EXCLUDED.type,
    state = EXCLUDED.state,
    failure = EXCLUDED.failure,
    confirmation = EXCLUDED.confirmation,
    notification_id = EXCLUDED.notification_id,
    notification_icon = EXCLUDED.notification_icon,
    notification_title = EXCLUDED.notification_title,
    notification_text = EXCLUDED.notification_text,
    installer_type = EXCLUDED.installer_type,
    updated_at = EXCLUDED.updated_at,
    last_launch_at = EXCLUDED.last_launch_at,
    last_commit_at = EXCLUDED.last_commit_at
`

type UpsertSessionParams struct {
	ID                pgtype.UUID
	Type              string
	State             string
	Failure           []byte
	Confirmation      string
	NotificationID    int32
	NotificationIcon  string
	NotificationTitle []byte
	NotificationText  []byte
	InstallerType     string
	CreatedAt         pgtype.Timestamptz
	UpdatedAt         pgtype.Timestamptz
	LastLaunchAt      pgtype.Timestamptz
	LastCommitAt      pgtype.Timestamptz
}

func (q *Queries) UpsertSession(ctx context.Context, arg UpsertSessionParams) error {
	_, err := q.db.Exec(ctx, upsertSession,
		arg.ID,
		arg.Type,
		arg.State,
		arg.Failure,
		arg.Confirmation,
		arg.NotificationID,
		arg.NotificationIcon,
		arg.NotificationTitle,
		arg.NotificationText,
		arg.InstallerType,
		arg.CreatedAt,
		arg.UpdatedAt,
		arg.LastLaunchAt,
		arg.LastCommitAt,
	)
	return err
}

const upsertInstallSession = `
INSERT INTO install_sessions (session_id, name, require_user_action, install_mode, package_name, dont_kill_app)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE SET
    name = EXCLUDED.name,
    require_user_action = EXCLUDED.require_user_action,
    install_mode = EXCLUDED.install_mode,
    package_name = EXCLUDED.package_name,
    dont_kill_app = EXCLUDED.dont_kill_app
`

type UpsertInstallSessionParams struct {
	SessionID         pgtype.UUID
	Name              string
	RequireUserAction bool
	InstallMode       string
	PackageName       string
	DontKillApp       bool
}

func (q *Queries) UpsertInstallSession(ctx context.Context, arg UpsertInstallSessionParams) error {
	_, err := q.db.Exec(ctx, upsertInstallSession,
		arg.SessionID,
		arg.Name,
		arg.RequireUserAction,
		arg.InstallMode,
		arg.PackageName,
		arg.DontKillApp,
	)
	return err
}

const deleteInstallSessionAPKs = `DELETE FROM install_session_apks WHERE session_id = $1`

func (q *Queries) DeleteInstallSessionAPKs(ctx context.Context, sessionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, deleteInstallSessionAPKs, sessionID)
	return err
}

const insertInstallSessionAPK = `INSERT INTO install_session_apks (session_id, position, uri) VALUES ($1, $2, $3)`

type InsertInstallSessionAPKParams struct {
	SessionID pgtype.UUID
	Position  int32
	URI       string
}

func (q *Queries) InsertInstallSessionAPK(ctx context.Context, arg InsertInstallSessionAPKParams) error {
	_, err := q.db.Exec(ctx, insertInstallSessionAPK, arg.SessionID, arg.Position, arg.URI)
	return err
}

const getInstallSessionAPKs = `SELECT uri FROM install_session_apks WHERE session_id = $1 ORDER BY position`

func (q *Queries) GetInstallSessionAPKs(ctx context.Context, sessionID pgtype.UUID) ([]string, error) {
	rows, err := q.db.Query(ctx, getInstallSessionAPKs, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		items = append(items, uri)
	}
	return items, rows.Err()
}

const upsertUninstallSession = `
INSERT INTO uninstall_sessions (session_id, package_name) VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET package_name = EXCLUDED.package_name
`

func (q *Queries) UpsertUninstallSession(ctx context.Context, sessionID pgtype.UUID, packageName string) error {
	_, err := q.db.Exec(ctx, upsertUninstallSession, sessionID, packageName)
	return err
}

const deleteSessionPlugins = `DELETE FROM session_plugins WHERE session_id = $1`

func (q *Queries) DeleteSessionPlugins(ctx context.Context, sessionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, deleteSessionPlugins, sessionID)
	return err
}

const insertSessionPlugin = `
INSERT INTO session_plugins (session_id, position, plugin_id, parameters) VALUES ($1, $2, $3, $4)
`

type InsertSessionPluginParams struct {
	SessionID  pgtype.UUID
	Position   int32
	PluginID   string
	Parameters []byte
}

func (q *Queries) InsertSessionPlugin(ctx context.Context, arg InsertSessionPluginParams) error {
	_, err := q.db.Exec(ctx, insertSessionPlugin, arg.SessionID, arg.Position, arg.PluginID, arg.Parameters)
	return err
}

const getSessionPlugins = `
SELECT position, plugin_id, parameters FROM session_plugins WHERE session_id = $1 ORDER BY position
`

func (q *Queries) GetSessionPlugins(ctx context.Context, sessionID pgtype.UUID) ([]SessionPlugin, error) {
	rows, err := q.db.Query(ctx, getSessionPlugins, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SessionPlugin
	for rows.Next() {
		var i SessionPlugin
		if err := rows.Scan(&i.Position, &i.PluginID, &i.Parameters); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const upsertNativeSessionID = `
INSERT INTO native_session_ids (session_id, native_session_id) VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET native_session_id = EXCLUDED.native_session_id
`

func (q *Queries) UpsertNativeSessionID(ctx context.Context, sessionID pgtype.UUID, nativeID int32) error {
	_, err := q.db.Exec(ctx, upsertNativeSessionID, sessionID, nativeID)
	return err
}

const deleteNativeSessionID = `DELETE FROM native_session_ids WHERE session_id = $1`

func (q *Queries) DeleteNativeSessionID(ctx context.Context, sessionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, deleteNativeSessionID, sessionID)
	return err
}

const selectSession = `
SELECT
    s.id, s.type, s.state, s.failure, s.confirmation, s.notification_id, s.notification_icon,
    s.notification_title, s.notification_text, s.installer_type, s.created_at, s.updated_at,
    s.last_launch_at, s.last_commit_at,
    i.name, i.require_user_action, i.install_mode, i.package_name, i.dont_kill_app,
    u.package_name, n.native_session_id
FROM sessions s
LEFT JOIN install_sessions i ON i.session_id = s.id
LEFT JOIN uninstall_sessions u ON u.session_id = s.id
LEFT JOIN native_session_ids n ON n.session_id = s.id
`

const getSession = selectSession + `WHERE s.id = $1`

func (q *Queries) GetSession(ctx context.Context, id pgtype.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getSession, id))
}

const listSessions = selectSession + `ORDER BY s.created_at, s.id`

func (q *Queries) ListSessions(ctx context.Context) ([]Session, error) {
	return q.querySessions(ctx, listSessions)
}

const listActiveSessions = selectSession + `
WHERE s.state NOT IN ('CANCELLED', 'SUCCEEDED', 'FAILED')
ORDER BY s.created_at, s.id
`

func (q *Queries) ListActiveSessions(ctx context.Context) ([]Session, error) {
	return q.querySessions(ctx, listActiveSessions)
}

func (q *Queries) querySessions(ctx context.Context, query string) ([]Session, error) {
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Session
	for rows.Next() {
		i, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var i Session
	err := row.Scan(
		&i.ID,
		&i.Type,
		&i.State,
		&i.Failure,
		&i.Confirmation,
		&i.NotificationID,
		&i.NotificationIcon,
		&i.NotificationTitle,
		&i.NotificationText,
		&i.InstallerType,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.LastLaunchAt,
		&i.LastCommitAt,
		&i.InstallName,
		&i.RequireUserAction,
		&i.InstallMode,
		&i.InstallPackageName,
		&i.DontKillApp,
		&i.UninstallPackage,
		&i.NativeSessionID,
	)
	return i, err
}

const updateSessionState = `
UPDATE sessions SET state = $2, failure = $3, updated_at = NOW() WHERE id = $1
`

// UpdateSessionState writes the state tag and failure in one statement and
// returns the number of rows affected.
func (q *Queries) UpdateSessionState(ctx context.Context, id pgtype.UUID, state string, failure []byte) (int64, error) {
	result, err := q.db.Exec(ctx, updateSessionState, id, state, failure)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const touchSessionLaunch = `UPDATE sessions SET last_launch_at = $2, updated_at = NOW() WHERE id = $1`

func (q *Queries) TouchSessionLaunch(ctx context.Context, id pgtype.UUID, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, touchSessionLaunch, id, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const touchSessionCommit = `UPDATE sessions SET last_commit_at = $2, updated_at = NOW() WHERE id = $1`

func (q *Queries) TouchSessionCommit(ctx context.Context, id pgtype.UUID, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, touchSessionCommit, id, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const sessionExists = `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`

func (q *Queries) SessionExists(ctx context.Context, id pgtype.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, sessionExists, id).Scan(&exists)
	return exists, err
}
