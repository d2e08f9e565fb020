// Package report renders scan results as a Markdown document: a ranked
// threat table, tier counts, the protected-user fingerprint, and a quote-
// context table of recent amplifications. Grounded on
// original_source/src/output/terminal.rs's display functions, translated
// from colored terminal output to plain Markdown tables since a rendered
// file has no ANSI terminal to color.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charcoalwatch/charcoal/internal/textutil"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

const (
	evidencePreviewChars = 120
	quotePreviewChars    = 140
)

// Render produces a full Markdown report for the given ranked accounts,
// protected-user fingerprint, and recent amplification events.
func Render(accounts []models.AccountScore, fp models.Fingerprint, events []models.AmplificationEvent) string {
	var b strings.Builder

	b.WriteString("# Threat Report\n\n")
	writeTierSummary(&b, accounts)
	writeFingerprint(&b, fp)
	writeThreatTable(&b, accounts)
	writeQuoteContext(&b, events)

	return b.String()
}

func writeTierSummary(b *strings.Builder, accounts []models.AccountScore) {
	var high, elevated, watch, low, insufficient int
	for _, a := range accounts {
		switch a.Tier {
		case models.TierHigh:
			high++
		case models.TierElevated:
			elevated++
		case models.TierWatch:
			watch++
		case models.TierLow:
			low++
		default:
			insufficient++
		}
	}

	fmt.Fprintf(b, "**%d accounts scored.**\n\n", len(accounts))
	fmt.Fprintf(b, "| Tier | Count |\n|---|---|\n")
	fmt.Fprintf(b, "| High | %d |\n", high)
	fmt.Fprintf(b, "| Elevated | %d |\n", elevated)
	fmt.Fprintf(b, "| Watch | %d |\n", watch)
	fmt.Fprintf(b, "| Low | %d |\n", low)
	fmt.Fprintf(b, "| Insufficient Data | %d |\n\n", insufficient)
}

func writeFingerprint(b *strings.Builder, fp models.Fingerprint) {
	if len(fp.Clusters) == 0 {
		b.WriteString("_No topic fingerprint built yet. Run `charcoal fingerprint`._\n\n")
		return
	}

	fmt.Fprintf(b, "## Topic Fingerprint (%d posts, updated %s)\n\n",
		fp.PostCount, fp.UpdatedAt.Format("2006-01-02 15:04"))
	for _, c := range fp.Clusters {
		fmt.Fprintf(b, "- **%s** (weight %.2f): %s\n", c.Label, c.Weight, strings.Join(c.Keywords, ", "))
	}
	b.WriteString("\n")
}

func writeThreatTable(b *strings.Builder, accounts []models.AccountScore) {
	if len(accounts) == 0 {
		b.WriteString("_No accounts scored yet. Run `charcoal scan --analyze` first._\n\n")
		return
	}

	ranked := append([]models.AccountScore(nil), accounts...)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].ThreatScore > ranked[j].ThreatScore })

	b.WriteString("## Ranked Accounts\n\n")
	b.WriteString("| Rank | Handle | Score | Tier | Toxicity | Overlap | Posts |\n")
	b.WriteString("|---:|---|---:|---|---:|---:|---:|\n")
	for i, a := range ranked {
		fmt.Fprintf(b, "| %d | @%s | %.1f | %s | %.2f | %.2f | %d |\n",
			i+1, escapePipes(a.Handle), a.ThreatScore, a.Tier, a.WeightedToxicity, a.TopicOverlap, a.PostsAnalyzed)
	}
	b.WriteString("\n")

	for _, a := range ranked {
		if len(a.Evidence) == 0 {
			continue
		}
		fmt.Fprintf(b, "### @%s — evidence\n\n", escapePipes(a.Handle))
		fmt.Fprintf(b, "Quote ratio %.2f, reply ratio %.2f, avg engagement %.1f, pile-on: %v, benign gate: %v, boost: %.2fx\n\n",
			a.Signals.QuoteRatio, a.Signals.ReplyRatio, a.Signals.AvgEngagement, a.Signals.PileOn, a.Signals.BenignGate, a.Signals.Boost)
		for _, post := range a.Evidence {
			preview := textutil.Truncate(post.Text, evidencePreviewChars)
			fmt.Fprintf(b, "- [tox %.2f] %s\n", post.Toxicity, escapePipes(preview))
		}
		b.WriteString("\n")
	}
}

func writeQuoteContext(b *strings.Builder, events []models.AmplificationEvent) {
	var quotes []models.AmplificationEvent
	for _, e := range events {
		if e.Kind == models.EventKindQuote && e.CommentaryText != "" {
			quotes = append(quotes, e)
		}
	}
	if len(quotes) == 0 {
		return
	}

	fmt.Fprintf(b, "## Quote Context (%d quotes with text)\n\n", len(quotes))
	b.WriteString("| Handle | Commentary |\n|---|---|\n")
	for _, e := range quotes {
		preview := textutil.Truncate(e.CommentaryText, quotePreviewChars)
		fmt.Fprintf(b, "| @%s | %s |\n", escapePipes(e.AmplifierHandle), escapePipes(preview))
	}
	b.WriteString("\n")
}

// escapePipes prevents a pipe character in user-supplied text from
// breaking a Markdown table row.
func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
