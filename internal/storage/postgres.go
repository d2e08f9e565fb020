package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

//go:embed schema.sql
var postgresSchema string

const fingerprintSingletonID = 1

// advisoryLockKey is an arbitrary constant used for the migration advisory
// lock; any int64 works as long as every instance of this engine agrees on it.
const advisoryLockKey = 0x636861726300 // "charc\0" as bytes, just a fixed constant

// PostgresStore is the remote relational backend, grounded directly on the
// teacher's internal/db/postgres.go: a pool wrapper with explicit
// begin/defer-rollback/commit transaction blocks and ON CONFLICT upserts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connStr and pings it before returning,
// exactly as the teacher's Connect does.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[Storage] connected to Postgres remote backend")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate acquires a Postgres advisory lock on a single reserved connection
// so concurrent startups serialize, then runs the schema DDL and records
// the schema version — all inside one transaction, per spec §4.2, since
// this migration's DDL is transaction-safe in Postgres.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			log.Printf("[Storage] failed to release advisory lock: %v", err)
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES (1) ON CONFLICT (version) DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetScanState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM scan_state WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *PostgresStore) SetScanState(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *PostgresStore) SaveFingerprint(ctx context.Context, fp models.Fingerprint) error {
	clusters, err := json.Marshal(fp.Clusters)
	if err != nil {
		return fmt.Errorf("marshal clusters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO topic_fingerprint (id, clusters, post_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET clusters = EXCLUDED.clusters, post_count = EXCLUDED.post_count, updated_at = NOW()`,
		fingerprintSingletonID, clusters, fp.PostCount)
	return err
}

func (s *PostgresStore) LoadFingerprint(ctx context.Context) (models.Fingerprint, error) {
	var clustersJSON []byte
	var embeddingJSON []byte
	var fp models.Fingerprint
	err := s.pool.QueryRow(ctx,
		`SELECT clusters, post_count, embedding, updated_at FROM topic_fingerprint WHERE id = $1`,
		fingerprintSingletonID,
	).Scan(&clustersJSON, &fp.PostCount, &embeddingJSON, &fp.UpdatedAt)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("load fingerprint: %w", err)
	}
	if err := json.Unmarshal(clustersJSON, &fp.Clusters); err != nil {
		return models.Fingerprint{}, fmt.Errorf("unmarshal clusters: %w", err)
	}
	if len(embeddingJSON) > 0 {
		if err := json.Unmarshal(embeddingJSON, &fp.Embedding); err != nil {
			return models.Fingerprint{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return fp, nil
}

func (s *PostgresStore) SaveEmbedding(ctx context.Context, vec []float64) error {
	encoded, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE topic_fingerprint SET embedding = $1 WHERE id = $2`, encoded, fingerprintSingletonID)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoFingerprint{}
	}
	return nil
}

func (s *PostgresStore) UpsertAccountScore(ctx context.Context, score models.AccountScore) error {
	evidence, err := json.Marshal(score.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	signals, err := json.Marshal(score.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO account_scores
			(identifier, handle, weighted_toxicity, topic_overlap, threat_score, posts_analyzed, evidence, signals, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identifier) DO UPDATE SET
			handle = EXCLUDED.handle,
			weighted_toxicity = EXCLUDED.weighted_toxicity,
			topic_overlap = EXCLUDED.topic_overlap,
			threat_score = EXCLUDED.threat_score,
			posts_analyzed = EXCLUDED.posts_analyzed,
			evidence = EXCLUDED.evidence,
			signals = EXCLUDED.signals,
			scored_at = EXCLUDED.scored_at`,
		score.Identifier, score.Handle, score.WeightedToxicity, score.TopicOverlap, score.ThreatScore,
		score.PostsAnalyzed, evidence, signals, score.ScoredAt)
	return err
}

func (s *PostgresStore) GetRankedThreats(ctx context.Context, minScore float64) ([]models.AccountScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identifier, handle, weighted_toxicity, topic_overlap, threat_score, posts_analyzed, evidence, signals, scored_at
		FROM account_scores WHERE threat_score >= $1 ORDER BY threat_score DESC`, minScore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AccountScore
	for rows.Next() {
		var sc models.AccountScore
		var evidenceJSON, signalsJSON []byte
		if err := rows.Scan(&sc.Identifier, &sc.Handle, &sc.WeightedToxicity, &sc.TopicOverlap,
			&sc.ThreatScore, &sc.PostsAnalyzed, &evidenceJSON, &signalsJSON, &sc.ScoredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(evidenceJSON, &sc.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal(signalsJSON, &sc.Signals); err != nil {
			return nil, fmt.Errorf("unmarshal signals: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IsScoreStale(ctx context.Context, id models.Identifier, maxAgeDays int) (bool, error) {
	var scoredAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT scored_at FROM account_scores WHERE identifier = $1`, id).Scan(&scoredAt)
	if err == pgx.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return scoredAt.Before(staleCutoff(maxAgeDays)), nil
}

func (s *PostgresStore) GetMedianEngagement(ctx context.Context) (float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT signals FROM account_scores`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var signalsJSON []byte
		if err := rows.Scan(&signalsJSON); err != nil {
			return 0, err
		}
		var sig models.BehavioralSignals
		if err := json.Unmarshal(signalsJSON, &sig); err != nil {
			continue
		}
		values = append(values, sig.AvgEngagement)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return median(values), nil
}

func (s *PostgresStore) InsertAmplificationEvent(ctx context.Context, ev models.AmplificationEvent) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO amplification_events
			(kind, amplifier_id, amplifier_handle, amplified_post_uri, amplifier_post_uri, commentary_text, commentary_score, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (amplifier_post_uri, kind) DO NOTHING
		RETURNING id`,
		ev.Kind, ev.AmplifierID, ev.AmplifierHandle, ev.AmplifiedPostURI, ev.AmplifierPostURI,
		nullableString(ev.CommentaryText), ev.CommentaryScore, ev.DetectedAt,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		// Conflict: the row already existed: fetch its id instead.
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM amplification_events WHERE amplifier_post_uri = $1 AND kind = $2`,
			ev.AmplifierPostURI, ev.Kind).Scan(&id)
	}
	return id, err
}

func (s *PostgresStore) GetEventsForPileOn(ctx context.Context) ([]models.PileOnEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT amplifier_id, amplified_post_uri, detected_at FROM amplification_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PileOnEvent
	for rows.Next() {
		var e models.PileOnEvent
		if err := rows.Scan(&e.AmplifierID, &e.OriginalPostURI, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// median computes the true median (average of the two middle elements for
// an even-length slice), per spec §4.2's "true median" requirement.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
