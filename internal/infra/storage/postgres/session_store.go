// Package postgres implements the session repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/db"
	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/storage"
	"github.com/ahrav/ackpine/internal/infra/storage/codec"
)

// Ensure sessionStore implements session.Repository at compile time.
var _ session.Repository = (*sessionStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// writeTimeout bounds each write transaction.
const writeTimeout = 5 * time.Second

// sessionStore persists sessions across the sessions table and its per-kind
// detail tables.
type sessionStore struct {
	db     *pgxpool.Pool
	q      *db.Queries
	tracer trace.Tracer
}

// NewSessionStore creates a PostgreSQL-backed session repository.
func NewSessionStore(pool *pgxpool.Pool, tracer trace.Tracer) *sessionStore {
	return &sessionStore{db: pool, q: db.New(pool), tracer: tracer}
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func attrs(id uuid.UUID, kv ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+1+len(kv))
	out = append(out, defaultDBAttributes...)
	out = append(out, attribute.String("session_id", id.String()))
	return append(out, kv...)
}

// Upsert writes the session row and every detail row in a single transaction.
func (s *sessionStore) Upsert(ctx context.Context, r *session.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	dbAttrs := attrs(r.ID,
		attribute.String("type", string(r.Type)),
		attribute.String("state", string(r.State.Kind)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.upsert", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		qtx := s.q.WithTx(tx)
		id := pgUUID(r.ID)

		err = qtx.UpsertSession(ctx, db.UpsertSessionParams{
			ID:                id,
			Type:              string(r.Type),
			State:             string(r.State.Kind),
			Failure:           codec.EncodeFailure(r.State.Failure),
			Confirmation:      string(r.Confirmation),
			NotificationID:    int32(r.NotificationID),
			NotificationIcon:  string(r.Notification.Icon),
			NotificationTitle: codec.EncodeNotificationString(r.Notification.Title),
			NotificationText:  codec.EncodeNotificationString(r.Notification.ContentText),
			InstallerType:     r.InstallerType,
			CreatedAt:         pgTime(r.CreatedAt),
			UpdatedAt:         pgTime(r.UpdatedAt),
			LastLaunchAt:      pgTime(r.LastLaunchAt),
			LastCommitAt:      pgTime(r.LastCommitAt),
		})
		if err != nil {
			return fmt.Errorf("UpsertSession error: %w", err)
		}

		switch r.Type {
		case session.TypeInstall:
			if err := upsertInstall(ctx, qtx, id, r); err != nil {
				return err
			}
		case session.TypeUninstall:
			if err := qtx.UpsertUninstallSession(ctx, id, r.PackageName); err != nil {
				return fmt.Errorf("UpsertUninstallSession error: %w", err)
			}
		}

		if err := qtx.DeleteSessionPlugins(ctx, id); err != nil {
			return fmt.Errorf("DeleteSessionPlugins error: %w", err)
		}
		for i, p := range r.Plugins {
			err := qtx.InsertSessionPlugin(ctx, db.InsertSessionPluginParams{
				SessionID:  id,
				Position:   int32(i),
				PluginID:   p.ID,
				Parameters: codec.EncodeParameters(p.Params),
			})
			if err != nil {
				return fmt.Errorf("InsertSessionPlugin error: %w", err)
			}
		}

		if r.NativeSessionID == session.NoNativeSession {
			err = qtx.DeleteNativeSessionID(ctx, id)
		} else {
			err = qtx.UpsertNativeSessionID(ctx, id, int32(r.NativeSessionID))
		}
		if err != nil {
			return fmt.Errorf("native session id error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

func upsertInstall(ctx context.Context, q *db.Queries, id pgtype.UUID, r *session.Record) error {
	in := r.Install
	err := q.UpsertInstallSession(ctx, db.UpsertInstallSessionParams{
		SessionID:         id,
		Name:              in.Name,
		RequireUserAction: in.RequireUserAction,
		InstallMode:       string(in.Mode.Kind),
		PackageName:       in.Mode.PackageName,
		DontKillApp:       in.Mode.DontKillApp,
	})
	if err != nil {
		return fmt.Errorf("UpsertInstallSession error: %w", err)
	}

	if err := q.DeleteInstallSessionAPKs(ctx, id); err != nil {
		return fmt.Errorf("DeleteInstallSessionAPKs error: %w", err)
	}
	for i, uri := range in.APKs {
		err := q.InsertInstallSessionAPK(ctx, db.InsertInstallSessionAPKParams{
			SessionID: id,
			Position:  int32(i),
			URI:       uri,
		})
		if err != nil {
			return fmt.Errorf("InsertInstallSessionAPK error: %w", err)
		}
	}
	return nil
}

// Get loads a session with its detail rows.
func (s *sessionStore) Get(ctx context.Context, id uuid.UUID) (*session.Record, error) {
	var rec *session.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.get", attrs(id), func(ctx context.Context) error {
		row, err := s.q.GetSession(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
			}
			return fmt.Errorf("GetSession error: %w", err)
		}

		rec, err = s.toDomain(ctx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAll returns every session ordered by creation time.
func (s *sessionStore) GetAll(ctx context.Context) ([]*session.Record, error) {
	return s.list(ctx, "postgres.session.get_all", s.q.ListSessions)
}

// GetActive returns the non-terminal sessions ordered by creation time.
func (s *sessionStore) GetActive(ctx context.Context) ([]*session.Record, error) {
	return s.list(ctx, "postgres.session.get_active", s.q.ListActiveSessions)
}

func (s *sessionStore) list(
	ctx context.Context,
	span string,
	query func(context.Context) ([]db.Session, error),
) ([]*session.Record, error) {
	var out []*session.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, span, defaultDBAttributes, func(ctx context.Context) error {
		rows, err := query(ctx)
		if err != nil {
			return fmt.Errorf("list sessions error: %w", err)
		}

		out = make([]*session.Record, 0, len(rows))
		for _, row := range rows {
			rec, err := s.toDomain(ctx, row)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateState writes the state tag and failure in one statement.
func (s *sessionStore) UpdateState(ctx context.Context, id uuid.UUID, st session.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	dbAttrs := attrs(id, attribute.String("state", string(st.Kind)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.update_state", dbAttrs, func(ctx context.Context) error {
		n, err := s.q.UpdateSessionState(ctx, pgUUID(id), string(st.Kind), codec.EncodeFailure(st.Failure))
		if err != nil {
			return fmt.Errorf("UpdateSessionState error: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		return nil
	})
}

func (s *sessionStore) TouchLaunch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.touch_launch", attrs(id), func(ctx context.Context) error {
		n, err := s.q.TouchSessionLaunch(ctx, pgUUID(id), pgTime(at))
		if err != nil {
			return fmt.Errorf("TouchSessionLaunch error: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		return nil
	})
}

func (s *sessionStore) TouchCommit(ctx context.Context, id uuid.UUID, at time.Time) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.touch_commit", attrs(id), func(ctx context.Context) error {
		n, err := s.q.TouchSessionCommit(ctx, pgUUID(id), pgTime(at))
		if err != nil {
			return fmt.Errorf("TouchSessionCommit error: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		return nil
	})
}

func (s *sessionStore) SetNativeSessionID(ctx context.Context, id uuid.UUID, nativeID int) error {
	dbAttrs := attrs(id, attribute.Int("native_session_id", nativeID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.session.set_native_id", dbAttrs, func(ctx context.Context) error {
		exists, err := s.q.SessionExists(ctx, pgUUID(id))
		if err != nil {
			return fmt.Errorf("SessionExists error: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
		}
		if err := s.q.UpsertNativeSessionID(ctx, pgUUID(id), int32(nativeID)); err != nil {
			return fmt.Errorf("UpsertNativeSessionID error: %w", err)
		}
		return nil
	})
}

func (s *sessionStore) toDomain(ctx context.Context, row db.Session) (*session.Record, error) {
	id := uuid.UUID(row.ID.Bytes)

	typ, err := session.ParseType(row.Type)
	if err != nil {
		return nil, err
	}
	kind, err := session.ParseStateKind(row.State)
	if err != nil {
		return nil, err
	}
	failure, err := codec.DecodeFailure(row.Failure)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	confirmation, err := session.ParseConfirmation(row.Confirmation)
	if err != nil {
		return nil, err
	}
	title, err := codec.DecodeNotificationString(row.NotificationTitle)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	text, err := codec.DecodeNotificationString(row.NotificationText)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	rec := &session.Record{
		ID:             id,
		Type:           typ,
		State:          session.State{Kind: kind, Failure: failure},
		Confirmation:   confirmation,
		NotificationID: int(row.NotificationID),
		Notification: session.NotificationData{
			Icon:        session.NotificationIcon(row.NotificationIcon),
			Title:       title,
			ContentText: text,
		},
		InstallerType:   row.InstallerType,
		NativeSessionID: session.NoNativeSession,
		CreatedAt:       row.CreatedAt.Time,
		UpdatedAt:       row.UpdatedAt.Time,
		LastLaunchAt:    row.LastLaunchAt.Time,
		LastCommitAt:    row.LastCommitAt.Time,
	}
	if row.NativeSessionID.Valid {
		rec.NativeSessionID = int(row.NativeSessionID.Int32)
	}

	switch typ {
	case session.TypeInstall:
		apks, err := s.q.GetInstallSessionAPKs(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("GetInstallSessionAPKs error: %w", err)
		}
		rec.Install = &session.InstallDetails{
			APKs:              apks,
			Name:              row.InstallName.String,
			RequireUserAction: row.RequireUserAction.Bool,
			Mode: session.InstallMode{
				Kind:        session.InstallModeKind(row.InstallMode.String),
				PackageName: row.InstallPackageName.String,
				DontKillApp: row.DontKillApp.Bool,
			},
		}
		rec.PackageName = row.InstallPackageName.String
	case session.TypeUninstall:
		rec.PackageName = row.UninstallPackage.String
	}

	plugins, err := s.q.GetSessionPlugins(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("GetSessionPlugins error: %w", err)
	}
	for _, p := range plugins {
		params, err := codec.DecodeParameters(p.Parameters)
		if err != nil {
			return nil, fmt.Errorf("session %s plugin %s: %w", id, p.PluginID, err)
		}
		rec.Plugins = append(rec.Plugins, plugin.Entry{ID: p.PluginID, Params: params})
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
