package members

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// Role names the position a member holds inside a family.
type Role string

const (
	// RoleChild marks a monitored family member.
	RoleChild Role = "child"
	// RoleParent marks a guardian.
	RoleParent Role = "parent"
)

// String returns the raw role value.
func (r Role) String() string {
	return string(r)
}

// ErrInvalidIdentifier indicates that a user or family identifier is empty or exceeds storage bounds.
var ErrInvalidIdentifier = errors.New("members: invalid identifier")

// Profile maps a subject to the family and role they currently hold.
type Profile struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	FamilyID         string `gorm:"column:family_id;size:190;not null;default:'';index"`
	Role             string `gorm:"column:role;size:32;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "member_profiles"
}

// FamilyMember is the family-side roster entry used for membership checks.
type FamilyMember struct {
	FamilyID        string `gorm:"column:family_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role            string `gorm:"column:role;size:32;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FamilyMember) TableName() string {
	return "family_members"
}

func normalizeIdentifier(kind, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, maxIdentifierLength)
	}
	return trimmed, nil
}
