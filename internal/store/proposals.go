package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProposalStatus is a proposal's position in its human-approval lifecycle
// (spec.md §3).
type ProposalStatus string

const (
	ProposalProposed      ProposalStatus = "proposed"
	ProposalApproved      ProposalStatus = "approved"
	ProposalDismissed     ProposalStatus = "dismissed"
	ProposalAutoDismissed ProposalStatus = "auto_dismissed"
)

// Proposal is a seed-engine suggestion awaiting an operator decision
// (spec.md §3).
type Proposal struct {
	ID             int64
	RepoPath       string
	Title          string
	Description    string
	Rationale      string
	Status         ProposalStatus
	Impact         int
	Feasibility    int
	Risk           int
	Effort         int
	CompositeScore int
	Reasoning      string
	CreatedAt      string
}

const proposalColumns = `id, repo_path, title, description, rationale, status,
	impact, feasibility, risk, effort, composite_score, reasoning, created_at`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var p Proposal
	var status string
	err := row.Scan(&p.ID, &p.RepoPath, &p.Title, &p.Description, &p.Rationale, &status,
		&p.Impact, &p.Feasibility, &p.Risk, &p.Effort, &p.CompositeScore, &p.Reasoning, &p.CreatedAt)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = ProposalStatus(status)
	return p, nil
}

// CreateProposal inserts a new proposal, defaulting status to 'proposed'
// (spec.md §8: "Proposal create (default proposed)").
func (s *Store) CreateProposal(ctx context.Context, p Proposal) (int64, error) {
	if p.Status == "" {
		p.Status = ProposalProposed
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO proposals (repo_path, title, description, rationale, status,
				impact, feasibility, risk, effort, composite_score, reasoning)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.RepoPath, p.Title, p.Description, p.Rationale, string(p.Status),
			p.Impact, p.Feasibility, p.Risk, p.Effort, p.CompositeScore, p.Reasoning)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create proposal: %w", err)
	}
	return id, nil
}

// ProposalsByStatus lists proposals with the given status, newest first.
func (s *Store) ProposalsByStatus(ctx context.Context, status ProposalStatus) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals WHERE status = ? ORDER BY created_at DESC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AllProposals lists up to limit proposals across every status, newest
// first, for internal/dashboard's GET /proposals read view.
func (s *Store) AllProposals(ctx context.Context, limit int) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id int64) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrNotFound
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// DecideProposal transitions a proposal to approved, dismissed, or
// auto_dismissed.
func (s *Store) DecideProposal(ctx context.Context, id int64, status ProposalStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

// ProposalTriage is the rated-dimensions payload a triage pass writes back
// onto a proposal (spec.md §3/§4.6).
type ProposalTriage struct {
	Impact         int
	Feasibility    int
	Risk           int
	Effort         int
	CompositeScore int
	Reasoning      string
}

// UpdateProposalTriage persists a triage pass's rating for one proposal.
func (s *Store) UpdateProposalTriage(ctx context.Context, id int64, t ProposalTriage) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE proposals SET impact = ?, feasibility = ?, risk = ?, effort = ?,
				composite_score = ?, reasoning = ? WHERE id = ?
		`, t.Impact, t.Feasibility, t.Risk, t.Effort, t.CompositeScore, t.Reasoning, id)
		return err
	})
}
