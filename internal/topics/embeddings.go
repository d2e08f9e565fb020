package topics

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/charcoalwatch/charcoal/internal/inference"
	"github.com/sugarme/tokenizer"
	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingDim is the fixed width of this engine's sentence embeddings.
const EmbeddingDim = 384

// Embedder produces mean-pooled sentence embeddings for batches of text.
// The TF-IDF path never needs this; it exists purely as the "optional
// upgrade" described in the design.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Close() error
}

// LoadEmbedder loads the ONNX sentence-embedding model and tokenizer from
// modelDir. Returns (nil, nil) — not an error — when the expected files are
// absent, so callers fall back to TF-IDF overlap per the design's "model
// files missing" clause rather than failing a scan outright.
func LoadEmbedder(modelDir string, pool *inference.Pool) (Embedder, error) {
	if modelDir == "" {
		return nil, nil
	}
	modelPath := filepath.Join(modelDir, "embedding", "model.onnx")
	tokenizerPath := filepath.Join(modelDir, "embedding", "tokenizer.json")

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		log.Printf("[Topics] embedding model not found at %s, falling back to TF-IDF overlap", modelPath)
		return nil, nil
	}
	if _, err := os.Stat(tokenizerPath); os.IsNotExist(err) {
		log.Printf("[Topics] embedding tokenizer not found at %s, falling back to TF-IDF overlap", tokenizerPath)
		return nil, nil
	}

	tk, err := tokenizer.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"last_hidden_state"},
		nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load embedding session: %w", err)
	}

	return &onnxEmbedder{session: session, tokenizer: tk, pool: pool}, nil
}

type onnxEmbedder struct {
	session   *ort.AdvancedSession
	tokenizer *tokenizer.Tokenizer
	pool      *inference.Pool
}

// Embed runs a single padded-batch forward pass and applies
// attention-mask-weighted mean pooling to reduce [batch, seq_len, 384] to
// one 384-dim vector per text. Tokenization and the forward pass run
// inside a slot of the shared bounded pool; the call returns once they finish.
func (e *onnxEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	var out [][]float64
	err := e.pool.Run(ctx, func() error {
		encoded, maxLen, err := tokenizeBatch(e.tokenizer, texts)
		if err != nil {
			return fmt.Errorf("tokenize batch: %w", err)
		}

		vectors, err := runEmbeddingForward(e.session, encoded, maxLen, len(texts))
		if err != nil {
			return fmt.Errorf("embedding forward pass: %w", err)
		}
		out = vectors
		return nil
	})
	return out, err
}

func (e *onnxEmbedder) Close() error {
	return e.session.Destroy()
}

type encodedBatch struct {
	inputIDs      []int64
	attentionMask []int64
}

func tokenizeBatch(tk *tokenizer.Tokenizer, texts []string) (encodedBatch, int, error) {
	type perText struct {
		ids  []int64
		mask []int64
	}
	rows := make([]perText, len(texts))
	maxLen := 0
	for i, text := range texts {
		enc, err := tk.EncodeSingle(text, true)
		if err != nil {
			return encodedBatch{}, 0, err
		}
		ids := make([]int64, len(enc.Ids))
		for j, id := range enc.Ids {
			ids[j] = int64(id)
		}
		mask := make([]int64, len(ids))
		for j := range mask {
			mask[j] = 1
		}
		rows[i] = perText{ids: ids, mask: mask}
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}

	batch := encodedBatch{
		inputIDs:      make([]int64, 0, len(texts)*maxLen),
		attentionMask: make([]int64, 0, len(texts)*maxLen),
	}
	for _, row := range rows {
		padded := maxLen - len(row.ids)
		batch.inputIDs = append(batch.inputIDs, row.ids...)
		batch.attentionMask = append(batch.attentionMask, row.mask...)
		for i := 0; i < padded; i++ {
			batch.inputIDs = append(batch.inputIDs, 0)
			batch.attentionMask = append(batch.attentionMask, 0)
		}
	}
	return batch, maxLen, nil
}

// runEmbeddingForward executes the ONNX session and mean-pools the last
// hidden state over real (unmasked) tokens only.
func runEmbeddingForward(session *ort.AdvancedSession, batch encodedBatch, seqLen, batchSize int) ([][]float64, error) {
	inputShape := ort.NewShape(int64(batchSize), int64(seqLen))

	inputIDsTensor, err := ort.NewTensor(inputShape, batch.inputIDs)
	if err != nil {
		return nil, err
	}
	defer inputIDsTensor.Destroy()

	maskTensor, err := ort.NewTensor(inputShape, batch.attentionMask)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()

	outputShape := ort.NewShape(int64(batchSize), int64(seqLen), int64(EmbeddingDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, err
	}
	defer outputTensor.Destroy()

	if err := session.Run([]ort.Value{inputIDsTensor, maskTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, err
	}

	hidden := outputTensor.GetData()
	vectors := make([][]float64, batchSize)
	for b := 0; b < batchSize; b++ {
		vec := make([]float64, EmbeddingDim)
		var tokenCount float64
		for t := 0; t < seqLen; t++ {
			if batch.attentionMask[b*seqLen+t] == 0 {
				continue
			}
			tokenCount++
			base := (b*seqLen + t) * EmbeddingDim
			for d := 0; d < EmbeddingDim; d++ {
				vec[d] += float64(hidden[base+d])
			}
		}
		if tokenCount > 0 {
			for d := range vec {
				vec[d] /= tokenCount
			}
		}
		vectors[b] = vec
	}
	return vectors, nil
}

// MeanVector computes the arithmetic mean of a set of per-text vectors,
// used both for the protected user's stored embedding and a target's
// per-scan mean embedding.
func MeanVector(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	mean := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			mean[i] += v[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	return mean
}
