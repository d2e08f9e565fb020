package topics

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

// TopN is the default fingerprint size: at most this many clusters survive
// the greedy clustering pass.
const TopN = 8

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	mentionPattern = regexp.MustCompile(`@\w+`)
	hashtagPattern = regexp.MustCompile(`#\w+`)
	nonAlphaRun    = regexp.MustCompile(`[^a-z\s]+`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
	allDigits      = regexp.MustCompile(`^\d+$`)
	hasLetter      = regexp.MustCompile(`[a-z]`)
)

var contractions = map[string]string{
	"won't":   "will not",
	"can't":   "cannot",
	"n't":     " not",
	"'re":     " are",
	"'s":      " is",
	"'d":      " would",
	"'ll":     " will",
	"'ve":     " have",
	"'m":      " am",
	"let's":   "let us",
	"that's":  "that is",
	"it's":    "it is",
	"i'm":     "i am",
	"we're":   "we are",
	"they're": "they are",
}

var quoteReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "“", "\"", "”", "\"",
	"–", "-", "—", "-",
)

// tokenize runs the normalization pipeline from the topic engine's design:
// normalize quotes/dashes, expand contractions, strip URLs/mentions/hashtags
// and non-alphabetic characters, lowercase, split on whitespace, drop
// stop-words.
func tokenize(text string) []string {
	s := quoteReplacer.Replace(text)
	s = strings.ToLower(s)

	for contraction, expansion := range contractions {
		s = strings.ReplaceAll(s, contraction, expansion)
	}

	s = urlPattern.ReplaceAllString(s, " ")
	s = mentionPattern.ReplaceAllString(s, " ")
	s = hashtagPattern.ReplaceAllString(s, " ")
	s = nonAlphaRun.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if s == "" {
		return nil
	}

	words := strings.Split(s, " ")
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" || isStopWord(w) {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

func isMeaningfulTerm(term string) bool {
	return len(term) >= 3 && hasLetter.MatchString(term) && !allDigits.MatchString(term)
}

// termScore pairs a candidate keyword with its aggregate TF-IDF weight.
type termScore struct {
	term  string
	score float64
}

// BuildFingerprint constructs a topic fingerprint from N≥1 post texts,
// following the TF-IDF + greedy co-occurrence clustering pipeline.
// Empty input yields an empty fingerprint (zero clusters). Callers set
// UpdatedAt on the result since this function is otherwise pure.
func BuildFingerprint(texts []string) models.Fingerprint {
	docs := make([][]string, 0, len(texts))
	for _, t := range texts {
		if toks := tokenize(t); len(toks) > 0 {
			docs = append(docs, toks)
		}
	}

	scores := tfidfScores(docs)
	candidates := topCandidates(scores, TopN*2)

	meaningful := make([]termScore, 0, len(candidates))
	for _, c := range candidates {
		if isMeaningfulTerm(c.term) {
			meaningful = append(meaningful, c)
		}
	}
	if len(meaningful) > TopN {
		meaningful = meaningful[:TopN]
	}

	coOccur := coOccurrence(docs, meaningful)
	clusters := greedyCluster(meaningful, coOccur)

	return models.Fingerprint{
		Clusters:  clusters,
		PostCount: len(texts),
	}
}

// tfidfScores computes aggregate TF-IDF per term across docs, treating each
// post as one document (so IDF is computed over the post corpus, and a
// term's score is the sum of its per-document TF-IDF contributions).
func tfidfScores(docs [][]string) map[string]float64 {
	n := len(docs)
	scores := make(map[string]float64)
	if n == 0 {
		return scores
	}

	docFreq := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range doc {
			seen[term] = true
		}
		for term := range seen {
			docFreq[term]++
		}
	}

	for _, doc := range docs {
		termFreq := make(map[string]int)
		for _, term := range doc {
			termFreq[term]++
		}
		docLen := float64(len(doc))
		for term, tf := range termFreq {
			normalizedTF := float64(tf) / docLen
			idf := math.Log(float64(n)/float64(docFreq[term])) + 1.0
			scores[term] += normalizedTF * idf
		}
	}
	return scores
}

func topCandidates(scores map[string]float64, limit int) []termScore {
	list := make([]termScore, 0, len(scores))
	for term, score := range scores {
		list = append(list, termScore{term: term, score: score})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].term < list[j].term // stable tie-break
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}

// coOccurrence counts, for each pair of candidate terms, how many documents
// contain both.
func coOccurrence(docs [][]string, candidates []termScore) map[string]map[string]int {
	isCandidate := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		isCandidate[c.term] = true
	}

	counts := make(map[string]map[string]int)
	for _, doc := range docs {
		present := make(map[string]bool)
		for _, term := range doc {
			if isCandidate[term] {
				present[term] = true
			}
		}
		terms := make([]string, 0, len(present))
		for t := range present {
			terms = append(terms, t)
		}
		for i := 0; i < len(terms); i++ {
			for j := i + 1; j < len(terms); j++ {
				a, b := terms[i], terms[j]
				addCoOccurrence(counts, a, b)
				addCoOccurrence(counts, b, a)
			}
		}
	}
	return counts
}

func addCoOccurrence(counts map[string]map[string]int, a, b string) {
	if counts[a] == nil {
		counts[a] = make(map[string]int)
	}
	counts[a][b]++
}

// greedyCluster seeds a cluster from each unclustered highest-scored term in
// turn, pulling in the up-to-5 highest co-occurring still-unclustered terms.
func greedyCluster(candidates []termScore, coOccur map[string]map[string]int) []models.TopicCluster {
	clustered := make(map[string]bool, len(candidates))
	var clusters []models.TopicCluster

	for _, seed := range candidates {
		if clustered[seed.term] {
			continue
		}
		clustered[seed.term] = true
		keywords := []string{seed.term}
		weight := seed.score

		neighbors := make([]termScore, 0, len(coOccur[seed.term]))
		for term, count := range coOccur[seed.term] {
			if clustered[term] {
				continue
			}
			neighbors = append(neighbors, termScore{term: term, score: float64(count)})
		}
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].score != neighbors[j].score {
				return neighbors[i].score > neighbors[j].score
			}
			return neighbors[i].term < neighbors[j].term
		})
		if len(neighbors) > 5 {
			neighbors = neighbors[:5]
		}
		for _, nb := range neighbors {
			clustered[nb.term] = true
			keywords = append(keywords, nb.term)
			weight += scoreOf(candidates, nb.term)
		}

		clusters = append(clusters, models.TopicCluster{
			Label:    clusterLabel(keywords),
			Keywords: keywords,
			Weight:   weight,
		})
	}

	normalizeWeights(clusters)
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Weight > clusters[j].Weight
	})
	return clusters
}

func scoreOf(candidates []termScore, term string) float64 {
	for _, c := range candidates {
		if c.term == term {
			return c.score
		}
	}
	return 0
}

func clusterLabel(keywords []string) string {
	n := len(keywords)
	if n > 3 {
		n = 3
	}
	return strings.Join(keywords[:n], " / ")
}

func normalizeWeights(clusters []models.TopicCluster) {
	var total float64
	for _, c := range clusters {
		total += c.Weight
	}
	if total <= 0 {
		return
	}
	for i := range clusters {
		clusters[i].Weight /= total
	}
}
