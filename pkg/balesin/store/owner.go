package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Owner is a Telegram account that authenticated through the dashboard and
// may run a userbot. The row is created on first login and never deleted;
// logout only clears client-side cookies.
type Owner struct {
	TelegramUserID int64   `gorm:"column:telegram_user_id;primaryKey"`
	PhoneNumber    string  `gorm:"column:phone_number"`
	Session        *string `gorm:"column:session"`
	UserbotEnabled bool    `gorm:"column:userbot_enabled;default:false"`
	CustomPrompt   *string `gorm:"column:custom_prompt"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName matches the dashboard's schema.
func (Owner) TableName() string { return "users" }

// HasCredential reports whether the owner has a usable session string.
func (o *Owner) HasCredential() bool {
	return o.Session != nil && *o.Session != ""
}

// OwnerStore persists owners in Postgres.
type OwnerStore struct {
	db *gorm.DB
}

// NewOwnerStore creates an OwnerStore on the shared database handle.
func NewOwnerStore(db *gorm.DB) *OwnerStore {
	return &OwnerStore{db: db}
}

// FindByOwnerID returns the owner row, or (nil, nil) when absent.
func (s *OwnerStore) FindByOwnerID(ctx context.Context, id int64) (*Owner, error) {
	var o Owner
	err := s.db.WithContext(ctx).First(&o, "telegram_user_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Upsert inserts the owner or refreshes its credential and phone number.
func (s *OwnerStore) Upsert(ctx context.Context, o *Owner) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session", "phone_number", "updated_at"}),
	}).Create(o).Error
}

// SetEnabled toggles the userbot feature for an owner.
func (s *OwnerStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.db.WithContext(ctx).Model(&Owner{}).
		Where("telegram_user_id = ?", id).
		Update("userbot_enabled", enabled).Error
}

// UpdateCredential rotates the persisted session string. The protocol layer
// may refresh credentials during a connection's lifetime; the new value must
// win so the next start uses it.
func (s *OwnerStore) UpdateCredential(ctx context.Context, id int64, credential string) error {
	return s.db.WithContext(ctx).Model(&Owner{}).
		Where("telegram_user_id = ?", id).
		Update("session", credential).Error
}

// CustomInstructions returns the owner's custom prompt, or "" when unset or
// when the owner does not exist.
func (s *OwnerStore) CustomInstructions(ctx context.Context, id int64) (string, error) {
	o, err := s.FindByOwnerID(ctx, id)
	if err != nil {
		return "", err
	}
	if o == nil || o.CustomPrompt == nil {
		return "", nil
	}
	return *o.CustomPrompt, nil
}

// Enabled lists owners with the feature on and a credential present. This is
// the fleet watcher's desired state.
func (s *OwnerStore) Enabled(ctx context.Context) ([]Owner, error) {
	var owners []Owner
	err := s.db.WithContext(ctx).
		Where("userbot_enabled = ? AND session IS NOT NULL AND session <> ''", true).
		Find(&owners).Error
	if err != nil {
		return nil, err
	}
	return owners, nil
}
