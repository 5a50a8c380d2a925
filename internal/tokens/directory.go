package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultDeleteBatchSize = 200

var errMissingDatabase = errors.New("tokens: database handle is required")

// DirectoryConfig describes the dependencies of the token directory.
type DirectoryConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	DeleteBatchSize int
}

// Directory stores push tokens in an owner index and a family index.
// Every write touches both copies inside one transaction.
type Directory struct {
	db              *gorm.DB
	clock           func() time.Time
	logger          *zap.Logger
	deleteBatchSize int
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.DeleteBatchSize
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}
	return &Directory{
		db:              cfg.Database,
		clock:           clock,
		logger:          logger,
		deleteBatchSize: batchSize,
	}, nil
}

// RegisterRequest carries a device token registration.
type RegisterRequest struct {
	UserID   string
	FamilyID string
	Token    string
	Platform string
}

// Register upserts the token in both indexes. A token that previously
// belonged to another owner or family is moved.
func (d *Directory) Register(ctx context.Context, request RegisterRequest) (Record, error) {
	userID, err := normalizeIdentifier("user id", request.UserID)
	if err != nil {
		return Record{}, err
	}
	familyID, err := normalizeIdentifier("family id", request.FamilyID)
	if err != nil {
		return Record{}, err
	}
	token, err := normalizeToken(request.Token)
	if err != nil {
		return Record{}, err
	}
	platform, err := ParsePlatform(request.Platform)
	if err != nil {
		return Record{}, err
	}

	tokenHash := HashToken(token)
	nowMs := d.clock().UTC().UnixMilli()

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("token_hash = ? AND user_id <> ?", tokenHash, userID).
			Delete(&UserToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("token_hash = ? AND family_id <> ?", tokenHash, familyID).
			Delete(&FamilyToken{}).Error; err != nil {
			return err
		}
		userCopy := UserToken{
			UserID:      userID,
			TokenHash:   tokenHash,
			Token:       token,
			Platform:    string(platform),
			FamilyID:    familyID,
			UpdatedAtMs: nowMs,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "platform", "family_id", "updated_at_ms"}),
		}).Create(&userCopy).Error; err != nil {
			return err
		}
		familyCopy := FamilyToken{
			FamilyID:    familyID,
			TokenHash:   tokenHash,
			Token:       token,
			Platform:    string(platform),
			UserID:      userID,
			UpdatedAtMs: nowMs,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "family_id"}, {Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "platform", "user_id", "updated_at_ms"}),
		}).Create(&familyCopy).Error
	})
	if err != nil {
		d.logger.Error("token registration failed",
			zap.String("user_id", userID),
			zap.String("family_id", familyID),
			zap.Error(err))
		return Record{}, fmt.Errorf("tokens: register: %w", err)
	}

	return Record{
		OwnerID:   userID,
		Token:     token,
		TokenHash: tokenHash,
		Platform:  platform,
	}, nil
}

// Unregister removes the token from both indexes. Missing tokens are not an error.
func (d *Directory) Unregister(ctx context.Context, userID, rawToken string) (string, error) {
	normalizedUserID, err := normalizeIdentifier("user id", userID)
	if err != nil {
		return "", err
	}
	token, err := normalizeToken(rawToken)
	if err != nil {
		return "", err
	}
	tokenHash := HashToken(token)

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND token_hash = ?", normalizedUserID, tokenHash).
			Delete(&FamilyToken{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND token_hash = ?", normalizedUserID, tokenHash).
			Delete(&UserToken{}).Error
	})
	if err != nil {
		return "", fmt.Errorf("tokens: unregister: %w", err)
	}
	return tokenHash, nil
}

// ListFamilyTokens returns every token registered to any member of the family.
func (d *Directory) ListFamilyTokens(ctx context.Context, familyID string) ([]Record, error) {
	normalizedFamilyID, err := normalizeIdentifier("family id", familyID)
	if err != nil {
		return nil, err
	}

	var rows []FamilyToken
	if err := d.db.WithContext(ctx).
		Where("family_id = ?", normalizedFamilyID).
		Order("token_hash ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tokens: list family tokens: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			OwnerID:   row.UserID,
			Token:     row.Token,
			TokenHash: row.TokenHash,
			Platform:  Platform(row.Platform),
		})
	}
	return records, nil
}

// DeleteTokens removes the referenced tokens from both indexes in batches.
// Deleting an absent token is a no-op. It returns the number of family index rows removed.
func (d *Directory) DeleteTokens(ctx context.Context, familyID string, refs []Ref) (int, error) {
	normalizedFamilyID, err := normalizeIdentifier("family id", familyID)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}

	removed := 0
	for start := 0; start < len(refs); start += d.deleteBatchSize {
		end := start + d.deleteBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch := refs[start:end]

		hashes := make([]string, 0, len(batch))
		byOwner := make(map[string][]string)
		for _, ref := range batch {
			hashes = append(hashes, ref.TokenHash)
			if ref.OwnerID != "" {
				byOwner[ref.OwnerID] = append(byOwner[ref.OwnerID], ref.TokenHash)
			}
		}

		var batchRemoved int64
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Where("family_id = ? AND token_hash IN ?", normalizedFamilyID, hashes).
				Delete(&FamilyToken{})
			if result.Error != nil {
				return result.Error
			}
			batchRemoved = result.RowsAffected
			for ownerID, ownerHashes := range byOwner {
				if err := tx.Where("user_id = ? AND token_hash IN ?", ownerID, ownerHashes).
					Delete(&UserToken{}).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			d.logger.Error("token deletion failed",
				zap.String("family_id", normalizedFamilyID),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			return removed, fmt.Errorf("tokens: delete tokens: %w", err)
		}
		removed += int(batchRemoved)
	}
	return removed, nil
}
