package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RelationshipRepository answers care relationship questions
type RelationshipRepository struct {
	pool DBTX
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(pool DBTX) *RelationshipRepository {
	return &RelationshipRepository{pool: pool}
}

// IsActivelyConnected reports whether the patient has an active relationship with the doctor
func (r *RelationshipRepository) IsActivelyConnected(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM care_relationships
			WHERE patient_id = $1 AND doctor_id = $2 AND status = 'active'
		)
	`

	var connected bool
	if err := r.pool.QueryRow(ctx, query, patientID, doctorID).Scan(&connected); err != nil {
		return false, fmt.Errorf("failed to check relationship: %w", err)
	}

	return connected, nil
}

// Connect creates or reactivates a relationship. Used for seeding.
func (r *RelationshipRepository) Connect(ctx context.Context, patientID, doctorID uuid.UUID) error {
	query := `
		UPSERT INTO care_relationships (patient_id, doctor_id, status, created_at)
		VALUES ($1, $2, 'active', now())
	`

	if _, err := r.pool.Exec(ctx, query, patientID, doctorID); err != nil {
		return fmt.Errorf("failed to connect participants: %w", err)
	}

	return nil
}
