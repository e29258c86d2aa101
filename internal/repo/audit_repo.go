package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/crewly/server/internal/model"
)

// AuditRepo persists audit entries. This is the only durable trace of
// authentication activity.
type AuditRepo interface {
	Insert(ctx context.Context, e model.AuditEntry) error
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a Postgres-backed AuditRepo.
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

func (r *auditRepo) Insert(ctx context.Context, e model.AuditEntry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (action, entity_type, entity_id, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Action, e.EntityType, e.EntityID, details, e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
