package seed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sepipe/sepiped/internal/phase"
	"github.com/sepipe/sepiped/internal/store"
)

// triageResult is the JSON object the triage agent is asked to produce for
// one proposal (spec.md §4.6 "Triage": four 1-5 dimensions plus composite
// score and reasoning).
type triageResult struct {
	Impact      int    `json:"impact"`
	Feasibility int    `json:"feasibility"`
	Risk        int    `json:"risk"`
	Effort      int    `json:"effort"`
	Composite   int    `json:"composite_score"`
	Reasoning   string `json:"reasoning"`
	Dismiss     bool   `json:"dismiss"`
}

// Triage rates every proposed proposal and auto-dismisses the ones the
// triage agent flags as duplicate, already-merged, vague, or irrelevant
// (spec.md §4.6 "Triage", an operator-triggered pass).
func (e *Engine) Triage(ctx context.Context) error {
	proposals, err := e.Store.ProposalsByStatus(ctx, store.ProposalProposed)
	if err != nil {
		return fmt.Errorf("list proposed proposals: %w", err)
	}
	for _, p := range proposals {
		if err := e.triageOne(ctx, p); err != nil {
			return fmt.Errorf("triage proposal %d: %w", p.ID, err)
		}
	}
	return nil
}

func (e *Engine) triageOne(ctx context.Context, p store.Proposal) error {
	prompt := fmt.Sprintf(
		"Rate this proposal for repo %s on impact, feasibility, risk, and effort (1-5 each), "+
			"compute a composite score 1-10, and decide whether to dismiss it as a duplicate, "+
			"already-merged, vague, or irrelevant. Respond with a single JSON object with keys "+
			"impact, feasibility, risk, effort, composite_score, reasoning, dismiss.\n\n"+
			"Title: %s\nDescription: %s\nRationale: %s",
		p.RepoPath, p.Title, p.Description, p.Rationale,
	)
	res, err := e.Invoker.Invoke(ctx, phase.PersonaSeeder, prompt, p.RepoPath, "", "", e.Timeout)
	if err != nil {
		return err
	}

	var result triageResult
	if err := json.Unmarshal([]byte(res.Output), &result); err != nil {
		return fmt.Errorf("parse triage response: %w", err)
	}

	if result.Dismiss {
		return e.Store.DecideProposal(ctx, p.ID, store.ProposalAutoDismissed)
	}

	return e.Store.UpdateProposalTriage(ctx, p.ID, store.ProposalTriage{
		Impact:         result.Impact,
		Feasibility:    result.Feasibility,
		Risk:           result.Risk,
		Effort:         result.Effort,
		CompositeScore: result.Composite,
		Reasoning:      result.Reasoning,
	})
}
