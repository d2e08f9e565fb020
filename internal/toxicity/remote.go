package toxicity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charcoalwatch/charcoal/internal/ratelimit"
	"github.com/charcoalwatch/charcoal/pkg/models"
)

// RemoteScorer calls a remote moderation API sequentially, one text at a
// time, governed by a dedicated 1-QPS limiter — the same Limiter type the
// network client uses, not a second implementation.
type RemoteScorer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewRemoteScorer constructs a remote backend at 1 request/second.
func NewRemoteScorer(baseURL, apiKey string) *RemoteScorer {
	return &RemoteScorer{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    ratelimit.NewLimiter(1, time.Second, 0),
	}
}

type remoteRequest struct {
	Text       string   `json:"text"`
	Attributes []string `json:"requestedAttributes"`
}

type remoteResponse struct {
	Toxicity       float64 `json:"toxicity"`
	SevereToxicity float64 `json:"severeToxicity"`
	IdentityAttack float64 `json:"identityAttack"`
	Insult         float64 `json:"insult"`
	Profanity      float64 `json:"profanity"`
	Threat         float64 `json:"threat"`
}

var requestedAttributes = []string{"TOXICITY", "SEVERE_TOXICITY", "IDENTITY_ATTACK", "INSULT", "PROFANITY", "THREAT"}

func (s *RemoteScorer) ScoreText(ctx context.Context, text string) (models.ToxicityResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.ToxicityResult{}, err
	}

	body, err := json.Marshal(remoteRequest{Text: text, Attributes: requestedAttributes})
	if err != nil {
		return models.ToxicityResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return models.ToxicityResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.ToxicityResult{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.ToxicityResult{}, fmt.Errorf("moderation API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed remoteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return models.ToxicityResult{}, fmt.Errorf("decode moderation response: %w", err)
	}

	severe, identity, insult, profanity, threat := parsed.SevereToxicity, parsed.IdentityAttack, parsed.Insult, parsed.Profanity, parsed.Threat
	return models.ToxicityResult{
		Toxicity:       parsed.Toxicity,
		SevereToxicity: &severe,
		IdentityAttack: &identity,
		Insult:         &insult,
		Profanity:      &profanity,
		Threat:         &threat,
	}, nil
}

// ScoreBatch on the remote backend is sequential per-text calls — no batch
// endpoint exists upstream — governed by the same 1-QPS limiter.
func (s *RemoteScorer) ScoreBatch(ctx context.Context, texts []string) ([]models.ToxicityResult, error) {
	results := make([]models.ToxicityResult, len(texts))
	for i, text := range texts {
		r, err := s.ScoreText(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("score text %d: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}
