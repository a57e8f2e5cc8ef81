package jobs

import (
	"fmt"
	"math"
	"strings"

	"github.com/gnosis-kg/gnosis/pkg/config"
	"github.com/gnosis-kg/gnosis/pkg/models"
)

// embedTokensPerConcept is the assumed token length of a concept's
// label+terms embedding text.
const embedTokensPerConcept = 8

// Estimator prices a submission before any provider call. The heuristics are
// deliberately cheap: word counts times calibrated rates, chunk counts from
// the target size with a 10% packing allowance.
type Estimator struct {
	cfg config.EstimatorConfig
}

// NewEstimator creates an estimator with the configured rates.
func NewEstimator(cfg config.EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate prices a text submission.
func (e *Estimator) Estimate(text string, targetWords int, extractionModel, embeddingModel string) *models.CostEstimate {
	return e.EstimateWords(len(strings.Fields(text)), targetWords, extractionModel, embeddingModel)
}

// EstimateWords prices a submission of the given word count.
func (e *Estimator) EstimateWords(words, targetWords int, extractionModel, embeddingModel string) *models.CostEstimate {
	if targetWords <= 0 {
		targetWords = 1000
	}
	chunks := int(math.Ceil(float64(words) / (float64(targetWords) * 0.9)))

	tokensIn := int64(float64(words)*e.cfg.TokensPerWord) + int64(chunks)*e.cfg.PromptOverhead
	tokensOut := int64(chunks) * e.cfg.OutputPerChunk
	embeddingTokens := int64(chunks * e.cfg.ConceptsPerChunk * embedTokensPerConcept)

	extractionUSD := float64(tokensIn+tokensOut) / 1e6 * e.cfg.ExtractionUSDPer1M
	embeddingUSD := float64(embeddingTokens) / 1e6 * e.cfg.EmbeddingUSDPer1M
	total := extractionUSD + embeddingUSD

	return &models.CostEstimate{
		EstimatedChunks: chunks,
		TokensIn:        tokensIn,
		TokensOut:       tokensOut,
		EmbeddingTokens: embeddingTokens,
		ExtractionUSD:   extractionUSD,
		EmbeddingUSD:    embeddingUSD,
		TotalUSD:        total,
		Formatted:       fmt.Sprintf("$%.2f", total),
		ExtractionModel: extractionModel,
		EmbeddingModel:  embeddingModel,
	}
}

// PlanChunks predicts how many ingestion chunks the chunker will produce for
// a document of the given word count.
func PlanChunks(words, targetWords, overlapWords int) int {
	if words <= 0 {
		return 0
	}
	if targetWords <= overlapWords {
		return 1
	}
	if words <= targetWords {
		return 1
	}
	return int(math.Ceil(float64(words-overlapWords) / float64(targetWords-overlapWords)))
}
