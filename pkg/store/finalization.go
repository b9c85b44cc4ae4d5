package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/signtusk/multisigner/pkg/contracts"
)

func (s *SQLStore) GetFinalization(ctx context.Context, requestID string) (*contracts.FinalizationRecord, error) {
	return getFinalization(ctx, s.db, requestID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFinalization(ctx context.Context, q querier, requestID string) (*contracts.FinalizationRecord, error) {
	var rec contracts.FinalizationRecord
	err := q.QueryRowContext(ctx, `
		SELECT request_id, artifact_ref, fingerprint, generator, finalized_at
		FROM finalization_records WHERE request_id = $1`, requestID).
		Scan(&rec.RequestID, &rec.ArtifactRef, &rec.Fingerprint, &rec.Generator, &rec.FinalizedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFinalized
		}
		return nil, fmt.Errorf("get finalization %s: %w", requestID, err)
	}
	return &rec, nil
}

// SaveFinalization inserts the record and flips the request to completed with
// the artifact attached, atomically. If a record already exists it is
// returned unchanged and nothing is written.
func (s *SQLStore) SaveFinalization(ctx context.Context, rec contracts.FinalizationRecord) (_ *contracts.FinalizationRecord, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO finalization_records (request_id, artifact_ref, fingerprint, generator, finalized_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.ArtifactRef, rec.Fingerprint, rec.Generator, rec.FinalizedAt)
	if err != nil {
		return nil, fmt.Errorf("insert finalization %s: %w", rec.RequestID, err)
	}
	inserted, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, gerr := getFinalization(ctx, tx, rec.RequestID)
		if gerr != nil {
			err = gerr
			return nil, err
		}
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return existing, nil
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE signing_requests
		SET status = $1, artifact_ref = $2, finalized_at = $3, finalization_error = NULL,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		string(contracts.RequestCompleted), rec.ArtifactRef, rec.FinalizedAt, rec.FinalizedAt, rec.RequestID,
		string(contracts.RequestCompleted), string(contracts.RequestFinalizationFailed))
	if err != nil {
		return nil, fmt.Errorf("attach artifact %s: %w", rec.RequestID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = fmt.Errorf("%w: request %s is not awaiting finalization", contracts.ErrInvalidTransition, rec.RequestID)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rec, nil
}
