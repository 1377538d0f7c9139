package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"signgate/internal/models"
)

func (s *Store) InsertAudit(ctx context.Context, ev models.AuditEvent) error {
	return s.insertAudit(ctx, s.db, ev)
}

func (s *Store) insertAudit(ctx context.Context, q querier, ev models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ActorType == "" {
		ev.ActorType = models.ActorSystem
	}
	var payload any
	if ev.Payload != "" {
		payload = ev.Payload
	}
	_, err := s.exec(ctx, q,
		`INSERT INTO audit_events(id,document_id,signer_id,attempt_id,event_type,description,actor_type,payload,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
		ev.ID, nullString(ev.DocumentID), nullString(ev.SignerID), nullString(ev.AttemptID), ev.EventType, ev.Description, string(ev.ActorType), payload, ev.CreatedAt.UTC(),
	)
	return err
}

// HasAuditEvent reports whether an event of eventType exists for the
// document/signer pair. A non-empty attemptID narrows the match to that attempt.
func (s *Store) HasAuditEvent(ctx context.Context, documentID, signerID, attemptID, eventType string) (bool, error) {
	query := `SELECT COUNT(1) FROM audit_events WHERE document_id=? AND signer_id=? AND event_type=?`
	args := []any{documentID, signerID, eventType}
	if attemptID != "" {
		query += ` AND attempt_id=?`
		args = append(args, attemptID)
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AttemptAuditEvents lists events of eventType recorded against one attempt.
func (s *Store) AttemptAuditEvents(ctx context.Context, attemptID, eventType string) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id,document_id,signer_id,attempt_id,event_type,description,actor_type,payload,created_at FROM audit_events WHERE attempt_id=? AND event_type=? ORDER BY created_at ASC, id ASC`),
		attemptID, eventType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *Store) CountAuditEvents(ctx context.Context, signerID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(1) FROM audit_events WHERE signer_id=? AND event_type=?`),
		signerID, eventType,
	).Scan(&n)
	return n, err
}

func (s *Store) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id,document_id,signer_id,attempt_id,event_type,description,actor_type,payload,created_at FROM audit_events WHERE document_id=? ORDER BY created_at ASC, id ASC LIMIT ?`),
		documentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	out := make([]models.AuditEvent, 0, 16)
	for rows.Next() {
		var ev models.AuditEvent
		var docID, signerID, attemptID, payload sql.NullString
		var actor string
		if err := rows.Scan(&ev.ID, &docID, &signerID, &attemptID, &ev.EventType, &ev.Description, &actor, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.DocumentID = stringPtr(docID)
		ev.SignerID = stringPtr(signerID)
		ev.AttemptID = stringPtr(attemptID)
		ev.ActorType = models.ActorType(actor)
		ev.Payload = payload.String
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
