// Package contracts defines the shared boundary types of the AEGIS
// enforcement pipeline: actions, executor results, block reasons, and the
// per-category payload schemas validated at the submission boundary.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Category enumerates the kinds of outbound work the pipeline governs.
type Category string

const (
	CategoryWebSearch      Category = "web-search"
	CategoryDeepResearch   Category = "deep-research"
	CategoryDataExtract    Category = "data-extract"
	CategorySummarize      Category = "summarize"
	CategoryMarketAnalysis Category = "market-analysis"
)

// KnownCategories lists every category the pipeline accepts, in stable order.
func KnownCategories() []Category {
	return []Category{
		CategoryWebSearch,
		CategoryDeepResearch,
		CategoryDataExtract,
		CategorySummarize,
		CategoryMarketAnalysis,
	}
}

// Action is a unit of requested work. It exists only while the pipeline is
// driving it to a terminal state; only derived records (cache entries, ledger
// entries, executor profiles) persist afterwards.
type Action struct {
	ID            string            `json:"id"`
	Category      Category          `json:"category"`
	Payload       map[string]any    `json:"payload"`
	BudgetCeiling float64           `json:"budget_ceiling"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SubmittedAt   time.Time         `json:"submitted_at"`
}

// NewAction constructs an Action with a fresh ID. The payload is not
// validated here; callers pass the action through a Validator before
// submitting it to the pipeline.
func NewAction(category Category, payload map[string]any, budgetCeiling float64) *Action {
	return &Action{
		ID:            uuid.NewString(),
		Category:      category,
		Payload:       payload,
		BudgetCeiling: budgetCeiling,
		Metadata:      map[string]string{},
		SubmittedAt:   time.Now().UTC(),
	}
}

// QualityClass is the coarse self-assessment an executor attaches to a result.
type QualityClass string

const (
	QualityExcellent  QualityClass = "excellent"
	QualityGood       QualityClass = "good"
	QualityAcceptable QualityClass = "acceptable"
	QualityPoor       QualityClass = "poor"
)

// Result is what an executor returns for an admitted action.
type Result struct {
	Payload              map[string]any `json:"payload"`
	DeclaredCost         float64        `json:"declared_cost"`
	DeclaredQualityClass QualityClass   `json:"declared_quality_class"`
	ExecutorID           string         `json:"executor_id,omitempty"`
	ProducedAt           time.Time      `json:"produced_at"`
}
