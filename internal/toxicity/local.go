package toxicity

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/charcoalwatch/charcoal/internal/inference"
	"github.com/charcoalwatch/charcoal/pkg/models"
	"github.com/sugarme/tokenizer"
	ort "github.com/yalue/onnxruntime_go"
)

// logitOrder is the fixed output order of the local classifier's 7 logits.
// Index 6 (sexual-explicit) is computed but dropped from the exposed
// result per the design; index 2 (obscene) is exposed as "profanity".
const (
	logitToxicity = iota
	logitSevereToxicity
	logitObscene
	logitThreat
	logitInsult
	logitIdentityAttack
	logitSexualExplicit
	numLogits
)

// LocalScorer loads a pre-quantized transformer classifier and serves
// score_text/score_batch from it. Construction fails loudly — per spec
// §7, a local-model load failure is fatal for local-scoring commands.
type LocalScorer struct {
	session   *ort.AdvancedSession
	tokenizer *tokenizer.Tokenizer
	padTokenID int64
	pool      *inference.Pool
}

// NewLocalScorer loads the classifier and tokenizer from modelDir/toxicity.
func NewLocalScorer(modelDir string, pool *inference.Pool) (*LocalScorer, error) {
	modelPath := filepath.Join(modelDir, "toxicity", "model.onnx")
	tokenizerPath := filepath.Join(modelDir, "toxicity", "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("toxicity model not found at %s (run `download-model` first): %w", modelPath, err)
	}

	tk, err := tokenizer.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load toxicity tokenizer: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load toxicity session: %w", err)
	}

	return &LocalScorer{session: session, tokenizer: tk, pool: pool}, nil
}

// Close releases the underlying ONNX session.
func (s *LocalScorer) Close() error {
	return s.session.Destroy()
}

// ScoreText scores a single text by delegating to ScoreBatch.
func (s *LocalScorer) ScoreText(ctx context.Context, text string) (models.ToxicityResult, error) {
	results, err := s.ScoreBatch(ctx, []string{text})
	if err != nil {
		return models.ToxicityResult{}, err
	}
	return results[0], nil
}

// ScoreBatch runs a single padded forward pass over the whole batch — not a
// loop — per spec §4.4.
func (s *LocalScorer) ScoreBatch(ctx context.Context, texts []string) ([]models.ToxicityResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var results []models.ToxicityResult
	err := s.pool.Run(ctx, func() error {
		ids, mask, seqLen, err := s.padBatch(texts)
		if err != nil {
			return fmt.Errorf("tokenize batch: %w", err)
		}

		logits, err := s.forward(ids, mask, seqLen, len(texts))
		if err != nil {
			return fmt.Errorf("forward pass: %w", err)
		}

		results = make([]models.ToxicityResult, len(texts))
		for i := range texts {
			results[i] = logitsToResult(logits[i])
		}
		return nil
	})
	return results, err
}

func (s *LocalScorer) padBatch(texts []string) (ids, mask []int64, seqLen int, err error) {
	type row struct{ ids []int64 }
	rows := make([]row, len(texts))
	maxLen := 0
	for i, text := range texts {
		enc, encErr := s.tokenizer.EncodeSingle(text, true)
		if encErr != nil {
			return nil, nil, 0, encErr
		}
		r := make([]int64, len(enc.Ids))
		for j, id := range enc.Ids {
			r[j] = int64(id)
		}
		rows[i] = row{ids: r}
		if len(r) > maxLen {
			maxLen = len(r)
		}
	}

	ids = make([]int64, 0, len(texts)*maxLen)
	mask = make([]int64, 0, len(texts)*maxLen)
	for _, r := range rows {
		ids = append(ids, r.ids...)
		for range r.ids {
			mask = append(mask, 1)
		}
		for i := len(r.ids); i < maxLen; i++ {
			ids = append(ids, s.padTokenID)
			mask = append(mask, 0)
		}
	}
	return ids, mask, maxLen, nil
}

func (s *LocalScorer) forward(ids, mask []int64, seqLen, batchSize int) ([][numLogits]float64, error) {
	shape := ort.NewShape(int64(batchSize), int64(seqLen))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()

	outShape := ort.NewShape(int64(batchSize), int64(numLogits))
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, err
	}
	defer outTensor.Destroy()

	if err := s.session.Run([]ort.Value{idsTensor, maskTensor}, []ort.Value{outTensor}); err != nil {
		return nil, err
	}

	raw := outTensor.GetData()
	out := make([][numLogits]float64, batchSize)
	for b := 0; b < batchSize; b++ {
		for l := 0; l < numLogits; l++ {
			out[b][l] = sigmoid(float64(raw[b*numLogits+l]))
		}
	}
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func logitsToResult(logits [numLogits]float64) models.ToxicityResult {
	severe := logits[logitSevereToxicity]
	profanity := logits[logitObscene]
	threat := logits[logitThreat]
	insult := logits[logitInsult]
	identity := logits[logitIdentityAttack]
	return models.ToxicityResult{
		Toxicity:       logits[logitToxicity],
		SevereToxicity: &severe,
		IdentityAttack: &identity,
		Insult:         &insult,
		Profanity:      &profanity,
		Threat:         &threat,
	}
}
