package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wellcall-backend/internal/domain"
)

// ErrParticipantNotFound is returned when no user row matches
var ErrParticipantNotFound = errors.New("participant not found")

// ParticipantRepository reads participant profiles
type ParticipantRepository struct {
	pool DBTX
}

// NewParticipantRepository creates a new participant repository
func NewParticipantRepository(pool DBTX) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

// GetProfile retrieves a participant's display name, email and role
func (r *ParticipantRepository) GetProfile(ctx context.Context, id uuid.UUID) (*domain.ParticipantProfile, error) {
	query := `SELECT user_id, display_name, email, role FROM users WHERE user_id = $1`

	profile := &domain.ParticipantProfile{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.DisplayName,
		&profile.Email,
		&profile.Role,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}

	return profile, nil
}
