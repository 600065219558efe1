package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentmux/agentmux/pkg/models"
)

type reviewRow struct {
	ReviewID         string         `db:"review_id"`
	TaskID           string         `db:"task_id"`
	PhaseIndex       int            `db:"phase_index"`
	Status           sql.NullString `db:"status"`
	FinalVerdict     sql.NullString `db:"final_verdict"`
	NumReviewers     sql.NullInt64  `db:"num_reviewers"`
	AutoSpawned      sql.NullInt64  `db:"auto_spawned"`
	ReviewerAgentIDs sql.NullString `db:"reviewer_agent_ids"`
	CreatedAt        sql.NullString `db:"created_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	CompletionReason sql.NullString `db:"completion_reason"`
	FailureReason    sql.NullString `db:"failure_reason"`
}

func (r reviewRow) toModel() *models.Review {
	return &models.Review{
		ReviewID:         r.ReviewID,
		TaskID:           r.TaskID,
		PhaseIndex:       r.PhaseIndex,
		Status:           models.ReviewStatus(r.Status.String),
		FinalVerdict:     models.Verdict(r.FinalVerdict.String),
		NumReviewers:     int(r.NumReviewers.Int64),
		AutoSpawned:      r.AutoSpawned.Int64 != 0,
		ReviewerAgentIDs: unmarshalStrings(r.ReviewerAgentIDs),
		CompletionReason: r.CompletionReason.String,
		FailureReason:    r.FailureReason.String,
		CreatedAt:        parseTime(r.CreatedAt.String),
		CompletedAt:      parseTimePtr(r.CompletedAt),
	}
}

// CreateReview inserts a review record in state in_progress.
func (s *Store) CreateReview(ctx context.Context, r *models.Review) error {
	auto := 0
	if r.AutoSpawned {
		auto = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews
		  (review_id, task_id, phase_index, status, num_reviewers, auto_spawned,
		   reviewer_agent_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReviewID, r.TaskID, r.PhaseIndex, string(models.ReviewInProgress),
		r.NumReviewers, auto, marshalJSON(r.ReviewerAgentIDs), fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// GetReview returns one review with its verdicts loaded.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*models.Review, []models.ReviewVerdict, error) {
	var row reviewRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM reviews WHERE review_id = ?`, reviewID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load review: %w", err)
	}
	verdicts, err := s.ListVerdicts(ctx, reviewID)
	if err != nil {
		return nil, nil, err
	}
	return row.toModel(), verdicts, nil
}

// LatestReviewForPhase returns the most recent review of a phase, or
// ErrNotFound when none exists.
func (s *Store) LatestReviewForPhase(ctx context.Context, taskID string, phaseIndex int) (*models.Review, error) {
	var row reviewRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM reviews WHERE task_id = ? AND phase_index = ?
		ORDER BY created_at DESC LIMIT 1`, taskID, phaseIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	return row.toModel(), nil
}

// ListInProgressReviewsWithReviewer returns in-progress reviews that list
// the given agent among their reviewers.
func (s *Store) ListInProgressReviewsWithReviewer(ctx context.Context, agentID string) ([]*models.Review, error) {
	var rows []reviewRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM reviews WHERE status = ?`, string(models.ReviewInProgress))
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	var out []*models.Review
	for _, r := range rows {
		m := r.toModel()
		for _, id := range m.ReviewerAgentIDs {
			if id == agentID {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// AddVerdict records one reviewer's verdict. A reviewer submits at most one
// verdict per review; duplicates are rejected.
func (s *Store) AddVerdict(ctx context.Context, v models.ReviewVerdict) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO review_verdicts
		  (review_id, reviewer_agent_id, verdict, notes, findings, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ReviewID, v.ReviewerAgentID, string(v.Verdict), v.Notes,
		marshalJSON(v.Findings), fmtTime(v.SubmittedAt))
	if err != nil {
		return fmt.Errorf("failed to insert verdict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// ListVerdicts returns the submitted verdicts of a review.
func (s *Store) ListVerdicts(ctx context.Context, reviewID string) ([]models.ReviewVerdict, error) {
	var rows []struct {
		ReviewID        string         `db:"review_id"`
		ReviewerAgentID string         `db:"reviewer_agent_id"`
		Verdict         sql.NullString `db:"verdict"`
		Notes           sql.NullString `db:"notes"`
		Findings        sql.NullString `db:"findings"`
		SubmittedAt     sql.NullString `db:"submitted_at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM review_verdicts WHERE review_id = ? ORDER BY submitted_at`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	out := make([]models.ReviewVerdict, 0, len(rows))
	for _, r := range rows {
		v := models.ReviewVerdict{
			ReviewID:        r.ReviewID,
			ReviewerAgentID: r.ReviewerAgentID,
			Verdict:         models.Verdict(r.Verdict.String),
			Notes:           r.Notes.String,
			SubmittedAt:     parseTime(r.SubmittedAt.String),
		}
		if r.Findings.Valid && r.Findings.String != "" {
			_ = json.Unmarshal([]byte(r.Findings.String), &v.Findings)
		}
		out = append(out, v)
	}
	return out, nil
}

// CompleteReview finalizes a review with its aggregated verdict. Guarded on
// the review still being in progress so two finalizers cannot both win.
func (s *Store) CompleteReview(ctx context.Context, reviewID string, verdict models.Verdict, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status = ?, final_verdict = ?, completion_reason = ?, completed_at = ?
		WHERE review_id = ? AND status = ?`,
		string(models.ReviewCompleted), string(verdict), reason,
		fmtTime(time.Now()), reviewID, string(models.ReviewInProgress))
	if err != nil {
		return fmt.Errorf("failed to complete review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// FailReview marks a review failed (e.g. all reviewers died without a
// verdict).
func (s *Store) FailReview(ctx context.Context, reviewID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET status = ?, failure_reason = ?, completed_at = ?
		WHERE review_id = ? AND status = ?`,
		string(models.ReviewFailed), reason, fmtTime(time.Now()),
		reviewID, string(models.ReviewInProgress))
	if err != nil {
		return fmt.Errorf("failed to fail review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

// SaveCritique stores the optional critique attached to a review.
func (s *Store) SaveCritique(ctx context.Context, c models.Critique) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO critique_submissions
			  (review_id, critique_agent_id, summary, details, submitted_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.ReviewID, c.CritiqueAgent, c.Summary, c.Details, fmtTime(c.SubmittedAt))
		if err != nil {
			return fmt.Errorf("failed to save critique: %w", err)
		}
		return nil
	})
}

// GetCritique returns the critique of a review, or ErrNotFound.
func (s *Store) GetCritique(ctx context.Context, reviewID string) (*models.Critique, error) {
	var row struct {
		ReviewID       string         `db:"review_id"`
		CritiqueAgent  sql.NullString `db:"critique_agent_id"`
		Summary        sql.NullString `db:"summary"`
		Details        sql.NullString `db:"details"`
		SubmittedAt    sql.NullString `db:"submitted_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM critique_submissions WHERE review_id = ?`, reviewID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load critique: %w", err)
	}
	return &models.Critique{
		ReviewID:      row.ReviewID,
		CritiqueAgent: row.CritiqueAgent.String,
		Summary:       row.Summary.String,
		Details:       row.Details.String,
		SubmittedAt:   parseTime(row.SubmittedAt.String),
	}, nil
}
