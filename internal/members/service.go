package members

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the subject has no membership profile.
	ErrNotFound = errors.New("members: profile not found")
	// ErrMissingFamily indicates the profile exists but is not attached to a family.
	ErrMissingFamily = errors.New("members: profile has no family")
	// ErrMissingRole indicates the profile exists but carries no role.
	ErrMissingRole = errors.New("members: profile has no role")
)

// Membership is the resolved family and role of a subject.
type Membership struct {
	UserID   string
	FamilyID string
	Role     Role
}

// ServiceConfig describes the dependencies required for membership lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves family membership for authenticated subjects.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("members: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Resolve returns the family and role recorded for the subject.
func (s *Service) Resolve(ctx context.Context, userID string) (Membership, error) {
	normalizedUserID, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return Membership{}, err
	}

	var profile Profile
	err = s.db.WithContext(ctx).
		Where("user_id = ?", normalizedUserID).
		Take(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, fmt.Errorf("members: load profile: %w", err)
	}

	familyID := strings.TrimSpace(profile.FamilyID)
	if familyID == "" {
		return Membership{}, ErrMissingFamily
	}
	role := strings.ToLower(strings.TrimSpace(profile.Role))
	if role == "" {
		return Membership{}, ErrMissingRole
	}
	return Membership{
		UserID:   normalizedUserID,
		FamilyID: familyID,
		Role:     Role(role),
	}, nil
}

// IsMember reports whether the subject is on the family roster.
func (s *Service) IsMember(ctx context.Context, familyID, userID string) (bool, error) {
	normalizedFamilyID, err := normalizeIdentifier("family id", familyID)
	if err != nil {
		return false, err
	}
	normalizedUserID, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return false, err
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&FamilyMember{}).
		Where("family_id = ? AND user_id = ?", normalizedFamilyID, normalizedUserID).
		Count(&count).
		Error; err != nil {
		return false, fmt.Errorf("members: count roster entries: %w", err)
	}
	return count > 0, nil
}

// AddMember writes the profile and the roster entry in one transaction.
// Moving a user to another family removes the stale roster entry.
func (s *Service) AddMember(ctx context.Context, familyID, userID string, role Role) (Membership, error) {
	normalizedFamilyID, err := normalizeIdentifier("family id", familyID)
	if err != nil {
		return Membership{}, err
	}
	normalizedUserID, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return Membership{}, err
	}
	normalizedRole := Role(strings.ToLower(strings.TrimSpace(role.String())))
	if normalizedRole == "" {
		return Membership{}, ErrMissingRole
	}

	nowSeconds := s.now().UTC().Unix()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND family_id <> ?", normalizedUserID, normalizedFamilyID).
			Delete(&FamilyMember{}).Error; err != nil {
			return err
		}
		profile := Profile{
			UserID:           normalizedUserID,
			FamilyID:         normalizedFamilyID,
			Role:             normalizedRole.String(),
			UpdatedAtSeconds: nowSeconds,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"family_id", "role", "updated_at_s"}),
		}).Create(&profile).Error; err != nil {
			return err
		}
		member := FamilyMember{
			FamilyID:        normalizedFamilyID,
			UserID:          normalizedUserID,
			Role:            normalizedRole.String(),
			JoinedAtSeconds: nowSeconds,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "family_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).Create(&member).Error
	})
	if err != nil {
		return Membership{}, fmt.Errorf("members: add member: %w", err)
	}

	return Membership{
		UserID:   normalizedUserID,
		FamilyID: normalizedFamilyID,
		Role:     normalizedRole,
	}, nil
}
