// charcoal — predictive threat detection for a protected social account.
//
// Identifies accounts likely to engage with a protected user's content in a
// toxic or bad-faith manner, ranked by a combination of language-model
// toxicity scoring and topical overlap with the protected user's own
// posting history. Subcommand dispatch uses a single root cobra.Command
// with one child per operation, each owning its own flags.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/charcoalwatch/charcoal/internal/config"
	"github.com/charcoalwatch/charcoal/internal/inference"
	"github.com/charcoalwatch/charcoal/internal/pipeline"
	"github.com/charcoalwatch/charcoal/internal/report"
	"github.com/charcoalwatch/charcoal/internal/scoring"
	"github.com/charcoalwatch/charcoal/internal/storage"
	"github.com/charcoalwatch/charcoal/internal/topics"
	"github.com/charcoalwatch/charcoal/internal/toxicity"
	"github.com/charcoalwatch/charcoal/internal/xrpc"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

const (
	rateLimitMaxRequests = 3000
	rateLimitWindow      = 5 * time.Minute
	rateLimitMinDelay    = 100 * time.Millisecond
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "charcoal",
		Short:   "Predictive threat detection for protected social accounts",
		Version: version,
	}

	var analyzeFollowers bool
	var maxFollowersFlag int
	var concurrencyFlag int
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for amplification events (quotes and reposts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), analyzeFollowers, maxFollowersFlag, concurrencyFlag)
		},
	}
	scanCmd.Flags().BoolVar(&analyzeFollowers, "analyze", false, "Also analyze followers of amplifiers")
	scanCmd.Flags().IntVar(&maxFollowersFlag, "max-followers", 0, "Overrides MAX_FOLLOWERS in the loaded config; the scan pipeline does not read it and fetches at most 500 followers per amplifier")
	scanCmd.Flags().IntVar(&concurrencyFlag, "concurrency", 0, "Bounded fan-out width for profile builds (0 = use SCAN_CONCURRENCY)")

	var sweepMaxFirst, sweepMaxPer int
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the second-degree follower sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), sweepMaxFirst, sweepMaxPer)
		},
	}
	sweepCmd.Flags().IntVar(&sweepMaxFirst, "max-first-degree", 500, "Max first-degree followers to walk")
	sweepCmd.Flags().IntVar(&sweepMaxPer, "max-per-follower", 200, "Max second-degree followers per first-degree follower")

	var refreshFingerprint bool
	fingerprintCmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Show or refresh the protected user's topic fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(cmd.Context(), refreshFingerprint)
		},
	}
	fingerprintCmd.Flags().BoolVar(&refreshFingerprint, "refresh", false, "Force a full rebuild of the fingerprint")

	scoreCmd := &cobra.Command{
		Use:   "score <handle>",
		Short: "Score a specific account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.Context(), args[0])
		},
	}

	var minScore float64
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a Markdown threat report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), minScore)
		},
	}
	reportCmd.Flags().Float64Var(&minScore, "min-score", 0, "Only include accounts at or above this threat score")

	var validateCount int
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Resolve the protected user's moderation block list for offline introspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), validateCount)
		},
	}
	validateCmd.Flags().IntVar(&validateCount, "count", 50, "Number of block-list entries to display")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the database and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context())
		},
	}

	var migrateDatabaseURL string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), migrateDatabaseURL)
		},
	}
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "database-url", "", "Target database (overrides DATABASE_URL)")

	downloadModelCmd := &cobra.Command{
		Use:   "download-model",
		Short: "Print instructions for installing the local toxicity and embedding models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloadModel(cmd.Context())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status (last scan, DB stats, fingerprint age)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}

	rootCmd.AddCommand(initCmd, fingerprintCmd, downloadModelCmd, scanCmd, sweepCmd, scoreCmd, reportCmd, validateCmd, statusCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// environment bundles every constructed dependency a command might need.
// Not every command uses every field; unused ones are simply left nil.
type environment struct {
	cfg      config.Config
	store    storage.Store
	client   *xrpc.Client
	scorer   toxicity.Scorer
	embedder topics.Embedder
	pool     *inference.Pool
}

func newEnvironment(ctx context.Context, requireHandle bool) (*environment, error) {
	cfg, err := config.Load(requireHandle)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pool := inference.NewPool(cfg.Concurrency)

	var scorer toxicity.Scorer
	switch cfg.ScorerBackend {
	case "remote":
		scorer = toxicity.NewRemoteScorer(os.Getenv("TOXICITY_API_URL"), os.Getenv("TOXICITY_API_KEY"))
	case "local":
		local, err := toxicity.NewLocalScorer(cfg.ModelDir, pool)
		if err != nil {
			log.Printf("[Main] local toxicity model unavailable, falling back to no-op: %v", err)
			scorer = toxicity.NoopScorer{}
		} else {
			scorer = local
		}
	default:
		scorer = toxicity.NoopScorer{}
	}

	embedder, err := topics.LoadEmbedder(cfg.ModelDir, pool)
	if err != nil {
		log.Printf("[Main] embedding model unavailable, falling back to TF-IDF overlap: %v", err)
	}

	client := xrpc.NewClient(cfg.PublicAPIURL, cfg.BacklinkURL, rateLimitMaxRequests, rateLimitWindow, rateLimitMinDelay)

	return &environment{cfg: cfg, store: store, client: client, scorer: scorer, embedder: embedder, pool: pool}, nil
}

func (e *environment) orchestrator(protectedID models.Identifier) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Config{
		Client:          e.client,
		Store:           e.store,
		ToxicityScorer:  e.scorer,
		Embedder:        e.embedder,
		Weights:         scoring.DefaultWeights(),
		ProtectedHandle: e.cfg.ProtectedHandle,
		ProtectedID:     protectedID,
		Concurrency:     e.cfg.Concurrency,
		MaxAgeDays:      7,
	})
}

func runInit(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cfg.DatabaseURL, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	target := cfg.DBPath
	if cfg.UsesRemoteBackend() {
		target = config.RedactURL(cfg.DatabaseURL)
	}
	fmt.Printf("Database initialized: %s\n", target)
	fmt.Println("\nCharcoal is ready. Next step: set up your .env file, then run `charcoal fingerprint`.")
	return nil
}

func runMigrate(ctx context.Context, databaseURLOverride string) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	databaseURL := cfg.DatabaseURL
	if databaseURLOverride != "" {
		databaseURL = databaseURLOverride
	}
	store, err := storage.Open(ctx, databaseURL, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	fmt.Println("Schema migration applied.")
	return nil
}

func runFingerprint(ctx context.Context, refresh bool) error {
	env, err := newEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.store.Close()

	if !refresh {
		fp, err := env.store.LoadFingerprint(ctx)
		if err == nil && len(fp.Clusters) > 0 {
			fmt.Printf("Fingerprint: built from %d posts (updated %s)\n", fp.PostCount, fp.UpdatedAt.Format(time.RFC3339))
			for _, c := range fp.Clusters {
				fmt.Printf("  - %s\n", c.Label)
			}
			return nil
		}
	}

	fmt.Println("Building topic fingerprint...")
	posts, err := env.client.FetchRecentPosts(ctx, env.cfg.ProtectedHandle, 100)
	if err != nil {
		return fmt.Errorf("fetch protected user's posts: %w", err)
	}
	texts := make([]string, len(posts))
	for i, p := range posts {
		texts[i] = p.Text
	}

	fp := topics.BuildFingerprint(texts)
	fp.UpdatedAt = time.Now()
	if env.embedder != nil {
		if vectors, err := env.embedder.Embed(ctx, texts); err == nil && len(vectors) > 0 {
			fp.Embedding = topics.MeanVector(vectors)
		}
	}

	if err := env.store.SaveFingerprint(ctx, fp); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	if len(fp.Embedding) > 0 {
		if err := env.store.SaveEmbedding(ctx, fp.Embedding); err != nil {
			log.Printf("[Main] failed to persist embedding: %v", err)
		}
	}

	fmt.Printf("Fingerprint built from %d posts:\n", fp.PostCount)
	for _, c := range fp.Clusters {
		fmt.Printf("  - %s (weight %.2f)\n", c.Label, c.Weight)
	}
	return nil
}

func runScan(ctx context.Context, analyzeFollowers bool, maxFollowersFlag, concurrencyFlag int) error {
	env, err := newEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.store.Close()

	if maxFollowersFlag > 0 {
		env.cfg.MaxFollowers = maxFollowersFlag
	}
	if concurrencyFlag > 0 {
		env.cfg.Concurrency = concurrencyFlag
	}

	protectedID, err := env.client.ResolveHandle(ctx, env.cfg.ProtectedHandle)
	if err != nil {
		return fmt.Errorf("resolve protected handle: %w", err)
	}

	orch := env.orchestrator(protectedID)
	fmt.Println("Scanning for amplification events...")
	if analyzeFollowers {
		fmt.Println("  Will analyze followers of amplifiers")
	}
	if err := orch.RunAmplificationScan(ctx, analyzeFollowers); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	progress := orch.Progress()
	fmt.Printf("Scan complete: %d events detected, %d accounts scored\n", progress.EventsScanned, progress.AccountsScored)
	return nil
}

func runSweep(ctx context.Context, maxFirstDegree, maxPerFollower int) error {
	env, err := newEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.store.Close()

	protectedID, err := env.client.ResolveHandle(ctx, env.cfg.ProtectedHandle)
	if err != nil {
		return fmt.Errorf("resolve protected handle: %w", err)
	}

	orch := env.orchestrator(protectedID)
	fmt.Println("Running second-degree follower sweep...")
	scored, err := orch.SecondDegreeSweep(ctx, maxFirstDegree, maxPerFollower)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("Sweep complete: %d accounts scored\n", scored)
	return nil
}

func runScore(ctx context.Context, handle string) error {
	env, err := newEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.store.Close()

	fmt.Printf("Scoring account: %s\n", handle)

	protectedID, err := env.client.ResolveHandle(ctx, env.cfg.ProtectedHandle)
	if err != nil {
		return fmt.Errorf("resolve protected handle: %w", err)
	}
	id, err := env.client.ResolveHandle(ctx, handle)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", handle, err)
	}

	fp, err := env.store.LoadFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("load protected-user fingerprint: %w (run `charcoal fingerprint` first)", err)
	}

	medianEngagement, err := env.store.GetMedianEngagement(ctx)
	if err != nil {
		log.Printf("[Main] median engagement lookup failed, defaulting to 0: %v", err)
	}

	orch := env.orchestrator(protectedID)
	score, err := orch.ScoreOne(ctx, id, handle, fp, medianEngagement)
	if err != nil {
		return fmt.Errorf("score %s: %w", handle, err)
	}
	if err := env.store.UpsertAccountScore(ctx, score); err != nil {
		log.Printf("[Main] failed to persist score: %v", err)
	}

	fmt.Printf("  Threat tier: %s\n", score.Tier)
	fmt.Printf("  Threat score: %.1f/100\n", score.ThreatScore)
	fmt.Printf("  Toxicity: %.2f\n", score.WeightedToxicity)
	fmt.Printf("  Topic overlap: %.2f\n", score.TopicOverlap)
	fmt.Printf("  Posts analyzed: %d\n", score.PostsAnalyzed)
	return nil
}

func runReport(ctx context.Context, minScore float64) error {
	env, err := newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.store.Close()

	accounts, err := env.store.GetRankedThreats(ctx, minScore)
	if err != nil {
		return fmt.Errorf("load ranked threats: %w", err)
	}
	for i := range accounts {
		accounts[i].Tier = scoring.Tier(accounts[i].ThreatScore)
	}

	fp, err := env.store.LoadFingerprint(ctx)
	if err != nil {
		fp = models.Fingerprint{}
	}

	// The quote-context section needs full amplification event rows
	// (commentary text, kind); the storage interface only exposes the
	// pile-on projection, so that section is left empty from this path.
	fmt.Print(report.Render(accounts, fp, nil))
	return nil
}

func runValidate(ctx context.Context, count int) error {
	env, err := newEnvironment(ctx, true)
	if err != nil {
		return err
	}
	defer env.store.Close()

	listURI := os.Getenv("BLOCK_LIST_URI")
	if listURI == "" {
		return fmt.Errorf("BLOCK_LIST_URI must be set to validate a block list")
	}

	ids, err := env.client.ResolveBlockList(ctx, listURI)
	if err != nil {
		return fmt.Errorf("resolve block list: %w", err)
	}
	if count > 0 && count < len(ids) {
		ids = ids[:count]
	}
	fmt.Printf("Block list %s: %d entries\n", listURI, len(ids))
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

func runDownloadModel(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	dir := cfg.ModelDir
	if dir == "" {
		dir = "./models"
	}
	fmt.Printf("Expected local model layout under %s:\n", dir)
	fmt.Println("  toxicity/model.onnx, toxicity/tokenizer.json — 7-category toxicity classifier")
	fmt.Println("  embedding/model.onnx, embedding/tokenizer.json — 384-dim sentence embedding model")
	fmt.Println("\nPlace ONNX-exported weights at these paths, or set SCORER_BACKEND=remote / leave MODEL_DIR unset to run without local inference.")
	return nil
}

func runStatus(ctx context.Context) error {
	env, err := newEnvironment(ctx, false)
	if err != nil {
		return err
	}
	defer env.store.Close()

	dbDisplay := env.cfg.DBPath
	if env.cfg.UsesRemoteBackend() {
		dbDisplay = config.RedactURL(env.cfg.DatabaseURL)
	}
	fmt.Printf("Database: %s\n", dbDisplay)

	fp, err := env.store.LoadFingerprint(ctx)
	if err != nil || len(fp.Clusters) == 0 {
		fmt.Println("Fingerprint: not yet built")
		fmt.Println("  Run `charcoal fingerprint` to build it")
	} else {
		fmt.Printf("Fingerprint: built from %d posts (updated %s)\n", fp.PostCount, fp.UpdatedAt.Format(time.RFC3339))
	}

	accounts, err := env.store.GetRankedThreats(ctx, 0)
	if err != nil {
		accounts = nil
	}
	elevated := 0
	for _, a := range accounts {
		if scoring.Tier(a.ThreatScore) == models.TierElevated || scoring.Tier(a.ThreatScore) == models.TierHigh {
			elevated++
		}
	}
	fmt.Printf("Scored accounts: %d total, %d elevated+\n", len(accounts), elevated)

	lastScan, _ := env.store.GetScanState(ctx, "last_scan_at")
	if lastScan == "" {
		fmt.Println("Last scan: never")
	} else {
		fmt.Printf("Last scan: %s\n", lastScan)
	}
	return nil
}
