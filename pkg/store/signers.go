package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signtusk/multisigner/pkg/contracts"
)

const signerColumns = `request_id, email, name, signing_order, status, viewed_at, signed_at, declined_at,
	decline_reason, mfa_verified, mfa_verified_at, mfa_method, signature_payload`

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ListSigners returns the signers of a request ordered by signing order, then email.
func (s *SQLStore) ListSigners(ctx context.Context, requestID string) ([]contracts.Signer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signerColumns+` FROM signers WHERE request_id = $1 ORDER BY signing_order, email`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list signers %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Signer, 0)
	for rows.Next() {
		var (
			sg                                    contracts.Signer
			status, method                        string
			viewedAt, signedAt, declinedAt, mfaAt sql.NullTime
		)
		if err := rows.Scan(&sg.RequestID, &sg.Email, &sg.Name, &sg.SigningOrder, &status,
			&viewedAt, &signedAt, &declinedAt, &sg.DeclineReason,
			&sg.MFAVerified, &mfaAt, &method, &sg.SignaturePayload); err != nil {
			return nil, err
		}
		if sg.Status, err = contracts.ParseSignerStatus(status); err != nil {
			return nil, err
		}
		sg.MFAMethod = contracts.MFAMethod(method)
		sg.ViewedAt = nullTimePtr(viewedAt)
		sg.SignedAt = nullTimePtr(signedAt)
		sg.DeclinedAt = nullTimePtr(declinedAt)
		sg.MFAVerifiedAt = nullTimePtr(mfaAt)
		result = append(result, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkViewed moves a pending signer to viewed. A view arriving after the
// signer signed or declined affects nothing and returns false.
func (s *SQLStore) MarkViewed(ctx context.Context, requestID, email string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signers SET status = $1, viewed_at = $2
		WHERE request_id = $3 AND email = $4 AND status = $5`,
		string(contracts.SignerViewed), at, requestID, email, string(contracts.SignerPending))
	if err != nil {
		return false, fmt.Errorf("mark viewed %s/%s: %w", requestID, email, err)
	}
	return affected(res)
}

// RecordSignature stamps the signature together with the MFA verification
// that admitted it. It applies only while the signer may still sign and the
// request still accepts signer actions and has not passed its deadline at
// rec.SignedAt.
func (s *SQLStore) RecordSignature(ctx context.Context, rec contracts.SignatureRecord) (bool, error) {
	from := contracts.SignerSigned.Predecessors()
	res, err := s.db.ExecContext(ctx, `
		UPDATE signers
		SET status = $1, signed_at = $2, signature_payload = $3,
			mfa_verified = $4, mfa_verified_at = $5, mfa_method = $6
		WHERE request_id = $7 AND email = $8 AND status IN ($9, $10)
		AND EXISTS (SELECT 1 FROM signing_requests r
			WHERE r.id = $11 AND r.status IN ($12, $13) AND r.expires_at > $14)`,
		string(contracts.SignerSigned), rec.SignedAt, rec.Payload,
		true, rec.MFAVerifiedAt, string(rec.MFAMethod),
		rec.RequestID, rec.Email, string(from[0]), string(from[1]),
		rec.RequestID, string(contracts.RequestPending), string(contracts.RequestInProgress), rec.SignedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("record signature %s/%s: %w", rec.RequestID, rec.Email, err)
	}
	return affected(res)
}

// Decline marks the signer declined and moves the request into the
// absorbing declined state in one transaction.
func (s *SQLStore) Decline(ctx context.Context, requestID, email, reason string, at time.Time) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE signers SET status = $1, declined_at = $2, decline_reason = $3
		WHERE request_id = $4 AND email = $5 AND status IN ($6, $7)`,
		string(contracts.SignerDeclined), at, reason, requestID, email,
		string(contracts.SignerPending), string(contracts.SignerViewed))
	if err != nil {
		return false, fmt.Errorf("decline signer %s/%s: %w", requestID, email, err)
	}
	if ok, err = affected(res); err != nil || !ok {
		return false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE signing_requests SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		string(contracts.RequestDeclined), at, requestID,
		string(contracts.RequestPending), string(contracts.RequestInProgress))
	if err != nil {
		return false, fmt.Errorf("decline request %s: %w", requestID, err)
	}
	if ok, err = affected(res); err != nil || !ok {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
