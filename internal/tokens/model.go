package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	minTokenLength      = 20
	maxIdentifierLength = 190
)

var (
	// ErrInvalidToken indicates that a raw push token is missing or too short.
	ErrInvalidToken = errors.New("tokens: invalid push token")
	// ErrInvalidPlatform indicates an unsupported device platform.
	ErrInvalidPlatform = errors.New("tokens: invalid platform")
	// ErrInvalidIdentifier indicates that a user or family identifier is empty or exceeds storage bounds.
	ErrInvalidIdentifier = errors.New("tokens: invalid identifier")
)

// Platform enumerates device platforms that can receive push notifications.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform validates raw input and returns a Platform.
func ParsePlatform(rawInput string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformIOS:
		return PlatformIOS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, rawInput)
	}
}

// HashToken returns the stable identity of a raw push token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// UserToken is the owner-side copy of a registered push token.
type UserToken struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	TokenHash   string `gorm:"column:token_hash;primaryKey;size:64;not null;index"`
	Token       string `gorm:"column:token;type:text;not null"`
	Platform    string `gorm:"column:platform;size:16;not null"`
	FamilyID    string `gorm:"column:family_id;size:190;not null;index"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserToken) TableName() string {
	return "user_push_tokens"
}

// FamilyToken is the family-side copy of a registered push token used for fanout.
type FamilyToken struct {
	FamilyID    string `gorm:"column:family_id;primaryKey;size:190;not null"`
	TokenHash   string `gorm:"column:token_hash;primaryKey;size:64;not null;index"`
	Token       string `gorm:"column:token;type:text;not null"`
	Platform    string `gorm:"column:platform;size:16;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;index"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FamilyToken) TableName() string {
	return "family_push_tokens"
}

// Record is a recipient token listed from the family index.
type Record struct {
	OwnerID   string
	Token     string
	TokenHash string
	Platform  Platform
}

// Ref locates one token in both indexes.
type Ref struct {
	OwnerID   string
	TokenHash string
}

// Ref returns the locator for the record.
func (r Record) Ref() Ref {
	return Ref{OwnerID: r.OwnerID, TokenHash: r.TokenHash}
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

func normalizeToken(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) < minTokenLength {
		return "", fmt.Errorf("%w: shorter than %d characters", ErrInvalidToken, minTokenLength)
	}
	return trimmed, nil
}
