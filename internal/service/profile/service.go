package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"policychat/internal/models"
	"policychat/internal/redis"
)

const (
	activeKeyPrefix = "profile:active:"
	cacheTTL        = 30 * time.Minute
)

// Service stores personalization profiles. The chat pipeline only reads the
// active profile; all writes belong to the owning user's CRUD surface.
type Service struct {
	db    *sql.DB
	cache *redis.Client
}

// NewService builds a new profile service. Cache may be nil.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: cache}
}

// GetActiveProfile returns the user's currently selected profile, or nil when
// none is active. A missing profile is not an error; the pipeline answers
// without personalization in that case.
func (s *Service) GetActiveProfile(ctx context.Context, userID string) (*models.Profile, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, activeKeyPrefix+userID)
		if err == nil {
			var p models.Profile
			if err := json.Unmarshal([]byte(raw), &p); err == nil && p.UserID == userID {
				return &p, nil
			}
		} else if err != redis.ErrCacheMiss {
			log.Printf("active profile cache lookup: %v", err)
		}
	}

	p, err := s.scanProfile(s.db.QueryRowContext(ctx,
		selectProfile+` WHERE user_id = ? AND active = 1`, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active profile: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, activeKeyPrefix+userID, data, cacheTTL); err != nil {
				log.Printf("active profile cache store: %v", err)
			}
		}
	}
	return p, nil
}

// Create inserts a profile for the user. The first profile a user creates
// becomes active automatically.
func (s *Service) Create(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	if p == nil || p.UserID == "" {
		return nil, errors.New("user id is required")
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, errors.New("profile name is required")
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE user_id = ?`, p.UserID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("count profiles: %w", err)
	}
	now := time.Now().UTC()
	active := 0
	if count == 0 {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, name, age, gender, region, income_bracket, insurance_type, disability_grade, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Name, p.Age, p.Gender, p.Region, p.IncomeBracket, p.InsuranceType, p.DisabilityGrade, active, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("profile id: %w", err)
	}
	p.ID = id
	p.Active = active == 1
	p.CreatedAt = now
	p.UpdatedAt = now
	s.invalidate(ctx, p.UserID)
	return p, nil
}

// List returns all profiles owned by the user.
func (s *Service) List(ctx context.Context, userID string) ([]*models.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProfile+` WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.Profile
	for rows.Next() {
		p, err := s.scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Update rewrites the attribute fields of a profile the user owns.
func (s *Service) Update(ctx context.Context, p *models.Profile) error {
	if p == nil || p.ID <= 0 || p.UserID == "" {
		return errors.New("profile id and user id are required")
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name = ?, age = ?, gender = ?, region = ?, income_bracket = ?, insurance_type = ?, disability_grade = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		p.Name, p.Age, p.Gender, p.Region, p.IncomeBracket, p.InsuranceType, p.DisabilityGrade, time.Now().UTC(), p.ID, p.UserID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidate(ctx, p.UserID)
	return nil
}

// Delete removes a profile the user owns.
func (s *Service) Delete(ctx context.Context, userID string, profileID int64) error {
	if profileID <= 0 {
		return errors.New("invalid profile id")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM profiles WHERE id = ? AND user_id = ?`, profileID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidate(ctx, userID)
	return nil
}

// Activate selects the profile as the user's single active one. The swap is
// transactional so there is never more than one active profile.
func (s *Service) Activate(ctx context.Context, userID string, profileID int64) error {
	if profileID <= 0 {
		return errors.New("invalid profile id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET active = 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), profileID, userID,
	)
	if err != nil {
		return fmt.Errorf("activate profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE profiles SET active = 0 WHERE user_id = ? AND id != ?`, userID, profileID,
	); err != nil {
		return fmt.Errorf("deactivate profiles: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit activate: %w", err)
	}
	s.invalidate(ctx, userID)
	return nil
}

const selectProfile = `SELECT id, user_id, name, age, gender, region, income_bracket, insurance_type, disability_grade, active, created_at, updated_at FROM profiles`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var age, disability sql.NullInt64
	var active int
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &age, &p.Gender, &p.Region,
		&p.IncomeBracket, &p.InsuranceType, &disability, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if age.Valid {
		v := int(age.Int64)
		p.Age = &v
	}
	if disability.Valid {
		v := int(disability.Int64)
		p.DisabilityGrade = &v
	}
	p.Active = active == 1
	return &p, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, activeKeyPrefix+userID); err != nil && err != redis.ErrCacheMiss {
		log.Printf("active profile cache invalidate: %v", err)
	}
}
