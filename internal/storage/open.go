package storage

import "context"

// Open selects and constructs a backend: the remote Postgres backend when
// databaseURL is set, otherwise the embedded SQLite backend at dbPath. This
// is the single construction-time decision point the design notes call for
// ("switching is a construction-time decision driven by the DATABASE_URL
// shape").
func Open(ctx context.Context, databaseURL, dbPath string) (Store, error) {
	if databaseURL != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewSQLiteStore(dbPath)
}
