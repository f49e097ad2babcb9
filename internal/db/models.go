package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Session is a sessions row joined with its single-valued detail tables.
// Install, uninstall and native id columns are invalid when the detail row
// does not exist.
type Session struct {
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

	InstallName        pgtype.Text
	RequireUserAction  pgtype.Bool
	InstallMode        pgtype.Text
	InstallPackageName pgtype.Text
	DontKillApp        pgtype.Bool
	UninstallPackage   pgtype.Text
	NativeSessionID    pgtype.Int4
}

type SessionPlugin struct {
	Position   int32
	PluginID   string
	Parameters []byte
}
