package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signtusk/multisigner/pkg/contracts"
)

const requestColumns = `id, title, document_ref, owner_id, status, signing_mode, created_at, updated_at, expires_at,
	signed_count, viewed_count, version, artifact_ref, finalized_at, finalization_error,
	finalization_attempts, last_finalization_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.SigningRequest, error) {
	var (
		r                    contracts.SigningRequest
		status, mode         string
		artifactRef, finErr  sql.NullString
		finalizedAt, lastTry sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Title, &r.DocumentRef, &r.OwnerID, &status, &mode,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
		&r.SignedCount, &r.ViewedCount, &r.Version, &artifactRef, &finalizedAt, &finErr,
		&r.FinalizationAttempts, &lastTry)
	if err != nil {
		return nil, err
	}
	if r.Status, err = contracts.ParseRequestStatus(status); err != nil {
		return nil, err
	}
	// An empty mode is a legacy row; the policy guard pins it on first use.
	r.Policy.Mode = contracts.SigningMode(mode)
	r.ArtifactRef = artifactRef.String
	r.FinalizationError = finErr.String
	if finalizedAt.Valid {
		t := finalizedAt.Time
		r.FinalizedAt = &t
	}
	if lastTry.Valid {
		t := lastTry.Time
		r.LastFinalizationAttemptAt = &t
	}
	return &r, nil
}

// CreateRequest inserts the request and its full signer list in one transaction.
func (s *SQLStore) CreateRequest(ctx context.Context, req *contracts.SigningRequest, signers []contracts.Signer) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_requests (id, title, document_ref, owner_id, status, signing_mode,
			created_at, updated_at, expires_at, signed_count, viewed_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0)`,
		req.ID, req.Title, req.DocumentRef, req.OwnerID, string(req.Status), string(req.Policy.Mode),
		req.CreatedAt, req.UpdatedAt, req.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}

	for _, sg := range signers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO signers (request_id, email, name, signing_order, status)
			VALUES ($1, $2, $3, $4, $5)`,
			req.ID, sg.Email, sg.Name, sg.SigningOrder, string(contracts.SignerPending))
		if err != nil {
			return fmt.Errorf("insert signer %s: %w", sg.Email, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*contracts.SigningRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM signing_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrRequestNotFound
		}
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return r, nil
}

// ListByStatus returns requests whose stored status is one of statuses,
// oldest first.
func (s *SQLStore) ListByStatus(ctx context.Context, statuses []contracts.RequestStatus, limit int) ([]*contracts.SigningRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := inClause(1, statuses)
	query := `SELECT ` + requestColumns + ` FROM signing_requests WHERE status IN (` + in + `) ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.SigningRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProgress writes recomputed status and counts only if nobody else has
// written the request since it was read. The bool is the race-winner signal.
func (s *SQLStore) UpdateProgress(ctx context.Context, u contracts.ProgressUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests
		SET status = $1, signed_count = $2, viewed_count = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		string(u.Status), u.SignedCount, u.ViewedCount, u.At, u.RequestID, u.ExpectedVersion)
	if err != nil {
		return false, fmt.Errorf("update progress %s: %w", u.RequestID, err)
	}
	return affected(res)
}

// TransitionStatus moves the request to `to` only from a status the
// transition table allows.
func (s *SQLStore) TransitionStatus(ctx context.Context, id string, to contracts.RequestStatus, at time.Time) (bool, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing transitions to %s", contracts.ErrInvalidTransition, to)
	}
	in, args := inClause(4, from)
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status IN (`+in+`)`,
		append([]any{string(to), at, id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	return affected(res)
}

// PinSigningMode records the mode on a request that has none yet. A request
// whose mode is already set is never changed.
func (s *SQLStore) PinSigningMode(ctx context.Context, id string, mode contracts.SigningMode) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests SET signing_mode = $1 WHERE id = $2 AND signing_mode = ''`,
		string(mode), id)
	if err != nil {
		return false, fmt.Errorf("pin signing mode %s: %w", id, err)
	}
	return affected(res)
}

// MarkFinalizationFailed records a failed finalization attempt on a request
// that is complete from the signers' side but has no artifact yet.
func (s *SQLStore) MarkFinalizationFailed(ctx context.Context, id, message string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests
		SET status = $1, finalization_error = $2, finalization_attempts = finalization_attempts + 1,
			last_finalization_attempt_at = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND status IN ($6, $7) AND artifact_ref IS NULL`,
		string(contracts.RequestFinalizationFailed), message, at, at, id,
		string(contracts.RequestCompleted), string(contracts.RequestFinalizationFailed))
	if err != nil {
		return false, fmt.Errorf("mark finalization failed %s: %w", id, err)
	}
	return affected(res)
}

// ListStranded returns pending and in-progress requests whose signers have
// all signed. The aggregate status of such a request was not advanced after
// its last signature.
func (s *SQLStore) ListStranded(ctx context.Context, limit int) ([]*contracts.SigningRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM signing_requests
		WHERE status IN ($1, $2)
		AND EXISTS (SELECT 1 FROM signers s WHERE s.request_id = signing_requests.id)
		AND NOT EXISTS (SELECT 1 FROM signers s WHERE s.request_id = signing_requests.id AND s.status <> $3)
		ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query,
		string(contracts.RequestPending), string(contracts.RequestInProgress), string(contracts.SignerSigned))
	if err != nil {
		return nil, fmt.Errorf("list stranded: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*contracts.SigningRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListAwaitingFinalization returns requests that every signer has signed but
// that have no artifact: failed finalizations, and completed requests whose
// finalizer never reported back.
func (s *SQLStore) ListAwaitingFinalization(ctx context.Context, limit int) ([]*contracts.SigningRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM signing_requests
		WHERE status = $1 OR (status = $2 AND artifact_ref IS NULL)
		ORDER BY created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query,
		string(contracts.RequestFinalizationFailed), string(contracts.RequestCompleted))
	if err != nil {
		return nil, fmt.Errorf("list awaiting finalization: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*contracts.SigningRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
