// Package steps defines the analysis stages, the prompt each one renders and
// the order they run in.
package steps

import (
	"fmt"

	"github.com/jonathan/financial-analyzer/internal/llm"
)

// Stage names
const (
	StepVerify        = "verify"
	StepAnalyze       = "analyze"
	StepAdvise        = "advise"
	StepAssessRisk    = "assess_risk"
	StepMarketContext = "market_context"
)

// Stage categories
const (
	CategoryVerification = "verification"
	CategoryAnalysis     = "analysis"
	CategoryResearch     = "research"
)

// StepDefinition defines metadata for a pipeline stage
type StepDefinition struct {
	Name     string
	Category string
	// Title heads the stage's section in the combined report.
	Title        string
	PromptKey    string
	Tier         llm.ModelTier
	Dependencies []string
}

// Order is the sequence stages run in. Each stage sees the outputs of all
// stages before it.
var Order = []string{
	StepVerify,
	StepAnalyze,
	StepAdvise,
	StepAssessRisk,
	StepMarketContext,
}

// StepRegistry holds all stage definitions
var StepRegistry = map[string]StepDefinition{
	StepVerify: {
		Name:      StepVerify,
		Category:  CategoryVerification,
		Title:     "Document Verification",
		PromptKey: "verify-document",
		Tier:      llm.TierLite,
	},
	StepAnalyze: {
		Name:         StepAnalyze,
		Category:     CategoryAnalysis,
		Title:        "Financial Analysis",
		PromptKey:    "analyze-financials",
		Tier:         llm.TierStandard,
		Dependencies: []string{StepVerify},
	},
	StepAdvise: {
		Name:         StepAdvise,
		Category:     CategoryAnalysis,
		Title:        "Investment Insights",
		PromptKey:    "investment-insights",
		Tier:         llm.TierStandard,
		Dependencies: []string{StepVerify, StepAnalyze},
	},
	StepAssessRisk: {
		Name:         StepAssessRisk,
		Category:     CategoryAnalysis,
		Title:        "Risk Assessment",
		PromptKey:    "assess-risk",
		Tier:         llm.TierStandard,
		Dependencies: []string{StepVerify, StepAnalyze, StepAdvise},
	},
	StepMarketContext: {
		Name:         StepMarketContext,
		Category:     CategoryResearch,
		Title:        "Market Context",
		PromptKey:    "market-context",
		Tier:         llm.TierStandard,
		Dependencies: []string{StepVerify, StepAnalyze, StepAdvise, StepAssessRisk},
	},
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s: missing dependencies: %v", e.Step, e.MissingDependencies)
}

// Get returns the definition for a stage.
func Get(stepName string) (StepDefinition, error) {
	def, ok := StepRegistry[stepName]
	if !ok {
		return StepDefinition{}, fmt.Errorf("unknown step: %s", stepName)
	}
	return def, nil
}

// ValidateDependencies checks that every dependency of a stage has completed.
func ValidateDependencies(stepName string, completed map[string]bool) error {
	def, err := Get(stepName)
	if err != nil {
		return err
	}

	var missing []string
	for _, dep := range def.Dependencies {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}
