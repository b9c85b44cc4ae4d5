// Package audit writes the operational audit log: one JSON object per line,
// prefixed "AUDIT: ", for every security-relevant decision (MFA outcomes,
// signatures, declines, finalization). The public signing timeline is
// reconstructed from persisted state by pkg/verify, not from this log.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signtusk/multisigner/pkg/auth"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSecurity EventType = "SECURITY"
	EventSystem   EventType = "SYSTEM"
)

// Actions recorded by the workflow. MFA passes are split by method so a
// reviewer can tell recovery-code use apart from a normal TOTP pass.
const (
	ActionMFAVerifiedTOTP       = "mfa.verified.totp"
	ActionMFAVerifiedBackupCode = "mfa.verified.backup_code"
	ActionMFARejected           = "mfa.rejected"
	ActionMFAEnrolled           = "mfa.enrolled"
	ActionMFAEnabled            = "mfa.enabled"
	ActionRequestCreated        = "request.created"
	ActionSignerViewed          = "signer.viewed"
	ActionSignerSigned          = "signer.signed"
	ActionSignerDeclined        = "signer.declined"
	ActionOrderBlocked          = "signer.order_blocked"
	ActionRequestCompleted      = "request.completed"
	ActionRequestExpired        = "request.expired"
	ActionFinalized             = "request.finalized"
	ActionFinalizationFailed    = "request.finalization_failed"
	ActionVerified              = "request.verification_performed"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"http_request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, now: time.Now}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   auth.ActorID(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.now().UTC(),
		RequestID: auth.GetRequestID(ctx),
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append(append([]byte("AUDIT: "), bytes...), '\n'))
	return err
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, EventType, string, string, map[string]any) error { return nil }
