package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore is the embedded file-DB backend. database/sql + modernc.org/
// sqlite (pure Go, no cgo) since the example corpus carries no SQLite
// driver of any kind — see DESIGN.md.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath, enabling WAL journal mode per spec §6.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// A single physical connection avoids SQLITE_BUSY under the
	// incremental-persistence write pattern (§9): concurrent readers use
	// the same serialized writer, matching single-process semantics.
	db.SetMaxOpenConns(1)

	log.Println("[Storage] opened SQLite embedded backend (WAL mode)")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs the schema DDL and the schema-version insert inside one
// transaction opened with the driver's default (deferred) BEGIN, not BEGIN
// IMMEDIATE. No cross-process advisory lock is taken (see DESIGN.md Open
// Question 5); within this process the pool's single open connection
// serializes the migration against every other statement.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`, nowString()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetScanState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scan_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetScanState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) SaveFingerprint(ctx context.Context, fp models.Fingerprint) error {
	clusters, err := json.Marshal(fp.Clusters)
	if err != nil {
		return fmt.Errorf("marshal clusters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO topic_fingerprint (id, clusters, post_count, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET clusters = excluded.clusters, post_count = excluded.post_count, updated_at = excluded.updated_at`,
		clusters, fp.PostCount, nowString())
	return err
}

func (s *SQLiteStore) LoadFingerprint(ctx context.Context) (models.Fingerprint, error) {
	var clustersJSON string
	var embeddingJSON sql.NullString
	var updatedAt string
	var fp models.Fingerprint
	err := s.db.QueryRowContext(ctx,
		`SELECT clusters, post_count, embedding, updated_at FROM topic_fingerprint WHERE id = 1`,
	).Scan(&clustersJSON, &fp.PostCount, &embeddingJSON, &updatedAt)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("load fingerprint: %w", err)
	}
	if err := json.Unmarshal([]byte(clustersJSON), &fp.Clusters); err != nil {
		return models.Fingerprint{}, fmt.Errorf("unmarshal clusters: %w", err)
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &fp.Embedding); err != nil {
			return models.Fingerprint{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	if t, err := time.Parse(sqliteTimeLayout, updatedAt); err == nil {
		fp.UpdatedAt = t
	}
	return fp, nil
}

func (s *SQLiteStore) SaveEmbedding(ctx context.Context, vec []float64) error {
	encoded, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE topic_fingerprint SET embedding = ? WHERE id = 1`, encoded)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoFingerprint{}
	}
	return nil
}

func (s *SQLiteStore) UpsertAccountScore(ctx context.Context, score models.AccountScore) error {
	evidence, err := json.Marshal(score.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	signals, err := json.Marshal(score.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account_scores
			(identifier, handle, weighted_toxicity, topic_overlap, threat_score, posts_analyzed, evidence, signals, scored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			handle = excluded.handle,
			weighted_toxicity = excluded.weighted_toxicity,
			topic_overlap = excluded.topic_overlap,
			threat_score = excluded.threat_score,
			posts_analyzed = excluded.posts_analyzed,
			evidence = excluded.evidence,
			signals = excluded.signals,
			scored_at = excluded.scored_at`,
		score.Identifier, score.Handle, score.WeightedToxicity, score.TopicOverlap, score.ThreatScore,
		score.PostsAnalyzed, evidence, signals, score.ScoredAt.Format(sqliteTimeLayout))
	return err
}

func (s *SQLiteStore) GetRankedThreats(ctx context.Context, minScore float64) ([]models.AccountScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, handle, weighted_toxicity, topic_overlap, threat_score, posts_analyzed, evidence, signals, scored_at
		FROM account_scores WHERE threat_score >= ? ORDER BY threat_score DESC`, minScore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AccountScore
	for rows.Next() {
		var sc models.AccountScore
		var evidenceJSON, signalsJSON, scoredAt string
		if err := rows.Scan(&sc.Identifier, &sc.Handle, &sc.WeightedToxicity, &sc.TopicOverlap,
			&sc.ThreatScore, &sc.PostsAnalyzed, &evidenceJSON, &signalsJSON, &scoredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(evidenceJSON), &sc.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(signalsJSON), &sc.Signals); err != nil {
			return nil, fmt.Errorf("unmarshal signals: %w", err)
		}
		if t, err := time.Parse(sqliteTimeLayout, scoredAt); err == nil {
			sc.ScoredAt = t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IsScoreStale(ctx context.Context, id models.Identifier, maxAgeDays int) (bool, error) {
	var scoredAt string
	err := s.db.QueryRowContext(ctx, `SELECT scored_at FROM account_scores WHERE identifier = ?`, id).Scan(&scoredAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	t, err := time.Parse(sqliteTimeLayout, scoredAt)
	if err != nil {
		return true, nil
	}
	return t.Before(staleCutoff(maxAgeDays)), nil
}

func (s *SQLiteStore) GetMedianEngagement(ctx context.Context) (float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signals FROM account_scores`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var signalsJSON string
		if err := rows.Scan(&signalsJSON); err != nil {
			return 0, err
		}
		var sig models.BehavioralSignals
		if err := json.Unmarshal([]byte(signalsJSON), &sig); err != nil {
			continue
		}
		values = append(values, sig.AvgEngagement)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return median(values), nil
}

func (s *SQLiteStore) InsertAmplificationEvent(ctx context.Context, ev models.AmplificationEvent) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO amplification_events
			(kind, amplifier_id, amplifier_handle, amplified_post_uri, amplifier_post_uri, commentary_text, commentary_score, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (amplifier_post_uri, kind) DO NOTHING`,
		ev.Kind, ev.AmplifierID, ev.AmplifierHandle, ev.AmplifiedPostURI, ev.AmplifierPostURI,
		nullableString(ev.CommentaryText), ev.CommentaryScore, ev.DetectedAt.Format(sqliteTimeLayout))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		return result.LastInsertId()
	}
	// Conflict: row already existed. Fetch its id.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM amplification_events WHERE amplifier_post_uri = ? AND kind = ?`,
		ev.AmplifierPostURI, ev.Kind).Scan(&id)
	return id, err
}

func (s *SQLiteStore) GetEventsForPileOn(ctx context.Context) ([]models.PileOnEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT amplifier_id, amplified_post_uri, detected_at FROM amplification_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PileOnEvent
	for rows.Next() {
		var e models.PileOnEvent
		var ts string
		if err := rows.Scan(&e.AmplifierID, &e.OriginalPostURI, &ts); err != nil {
			return nil, err
		}
		if t, err := time.Parse(sqliteTimeLayout, ts); err == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nowString() string {
	return time.Now().Format(sqliteTimeLayout)
}
