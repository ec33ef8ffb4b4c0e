// Package plan builds the ordered step list for one analysis run. The
// pipeline declares its plan before execution begins; the tracker treats
// it as immutable and keys every step record by plan index.
package plan

import (
	"fmt"
	"strings"
)

// Phase groups steps by pipeline stage, which is also the unit of
// phase-weighted progress accounting.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseAnalyst   Phase = "analyst"
	PhaseResearch  Phase = "research"
	PhaseTrading   Phase = "trading"
	PhaseRisk      Phase = "risk"
	PhasePortfolio Phase = "portfolio"
)

// Step is one unit of the planned pipeline.
type Step struct {
	// Index is the position in the plan, starting at 0.
	Index int `json:"index"`
	// Name is the module name the pipeline emits events under.
	Name string `json:"name"`
	// DisplayName is the human-readable label for dashboards.
	DisplayName string `json:"display_name"`
	// Phase is the pipeline stage this step belongs to.
	Phase Phase `json:"phase"`
	// Round is the debate round (1-based) for research and risk steps,
	// 0 elsewhere.
	Round int `json:"round,omitempty"`
	// Role distinguishes debate participants (bull, bear, risky, ...).
	Role string `json:"role,omitempty"`
}

// Analyst module names accepted in a build request.
const (
	AnalystMarket       = "market_analyst"
	AnalystSocial       = "social_media_analyst"
	AnalystNews         = "news_analyst"
	AnalystFundamentals = "fundamentals_analyst"
)

var analystDisplay = map[string]string{
	AnalystMarket:       "Market Analyst",
	AnalystSocial:       "Social Media Analyst",
	AnalystNews:         "News Analyst",
	AnalystFundamentals: "Fundamentals Analyst",
}

// DefaultAnalysts is the full analyst roster in canonical order.
func DefaultAnalysts() []string {
	return []string{AnalystMarket, AnalystSocial, AnalystNews, AnalystFundamentals}
}

// Build produces the ordered plan for the requested analyst set and
// research depth. Depth controls the number of research and risk debate
// rounds (clamped to 1..3). The step sequence mirrors the pipeline:
// analysts, research debate, trading, risk debate, portfolio decision.
func Build(analysts []string, researchDepth int) ([]Step, error) {
	if len(analysts) == 0 {
		analysts = DefaultAnalysts()
	}
	rounds := researchDepth
	if rounds < 1 {
		rounds = 1
	}
	if rounds > 3 {
		rounds = 3
	}

	var steps []Step
	add := func(name, display string, phase Phase, round int, role string) {
		steps = append(steps, Step{
			Index:       len(steps),
			Name:        name,
			DisplayName: display,
			Phase:       phase,
			Round:       round,
			Role:        role,
		})
	}

	seen := map[string]bool{}
	for _, analyst := range analysts {
		name := strings.TrimSpace(strings.ToLower(analyst))
		display, ok := analystDisplay[name]
		if !ok {
			return nil, fmt.Errorf("unknown analyst %q", analyst)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate analyst %q", analyst)
		}
		seen[name] = true
		add(name, display, PhaseAnalyst, 0, "")
	}

	for round := 1; round <= rounds; round++ {
		add("bull_researcher", fmt.Sprintf("Bull Researcher (Round %d)", round), PhaseResearch, round, "bull")
		add("bear_researcher", fmt.Sprintf("Bear Researcher (Round %d)", round), PhaseResearch, round, "bear")
	}
	add("research_manager", "Research Manager", PhaseResearch, 0, "manager")

	add("trader", "Trader", PhaseTrading, 0, "")

	for round := 1; round <= rounds; round++ {
		add("risky_analyst", fmt.Sprintf("Risky Analyst (Round %d)", round), PhaseRisk, round, "risky")
		add("safe_analyst", fmt.Sprintf("Safe Analyst (Round %d)", round), PhaseRisk, round, "safe")
		add("neutral_analyst", fmt.Sprintf("Neutral Analyst (Round %d)", round), PhaseRisk, round, "neutral")
	}

	add("portfolio_manager", "Portfolio Manager", PhasePortfolio, 0, "")

	return steps, nil
}
