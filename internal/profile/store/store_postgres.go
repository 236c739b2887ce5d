package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"bloodlink/internal/profile/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

const profileColumns = `id, display_name, email, phone, role, blood_group, region, district, locality, created_at, updated_at`

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, uuid.UUID(userID))

	var (
		p      models.Profile
		rawID  uuid.UUID
		role   string
		bgroup string
	)
	err := row.Scan(&rawID, &p.DisplayName, &p.Email, &p.Phone, &role, &bgroup,
		&p.Region, &p.District, &p.Locality, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find profile by id: %w", err)
	}
	p.ID = id.UserID(rawID)
	p.Role = models.Role(role)
	p.BloodGroup = models.BloodGroup(bgroup)
	return &p, nil
}

// Create inserts p. A duplicate id surfaces as sentinel.ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, p *models.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.UUID(p.ID), p.DisplayName, p.Email, p.Phone, string(p.Role), string(p.BloodGroup),
		p.Region, p.District, p.Locality, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("profile %s: %w", p.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, p *models.Profile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles
		 SET display_name = $2, phone = $3, role = $4, blood_group = $5,
		     region = $6, district = $7, locality = $8, updated_at = $9
		 WHERE id = $1`,
		uuid.UUID(p.ID), p.DisplayName, p.Phone, string(p.Role), string(p.BloodGroup),
		p.Region, p.District, p.Locality, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
