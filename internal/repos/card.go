package repos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

// Named unique-violation sentinels. Ingestion treats ErrDuplicateContentHash
// as "someone else just created this card, merge instead" — the create race
// recovery branch, not a failure.
var (
	ErrDuplicateContentHash = errors.New("card with this content hash already exists for owner")
	ErrDuplicatePublicID    = errors.New("card public id already allocated")
)

type CardFilter struct {
	Type           string
	Category       string
	Search         string
	Source         string
	SourceFileType string
	DateFrom       *time.Time
	DateTo         *time.Time
}

type CardListOptions struct {
	SortBy    string
	SortOrder string
	Limit     int
	Skip      int
}

type CardRepo interface {
	Create(ctx context.Context, tx *gorm.DB, card *types.Card) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID) (*types.Card, error)
	GetByCardID(ctx context.Context, tx *gorm.DB, cardID string) (*types.Card, error)
	GetByContentHash(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, contentHash string) (*types.Card, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, filter CardFilter, opts CardListOptions) ([]*types.Card, error)
	CountByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, filter CardFilter) (int64, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, fields map[string]any) (int64, error)
	UpdateFieldsIfUnmodified(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, expectedUpdatedAt time.Time, fields map[string]any) (bool, error)
	IncrementReview(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, reviewedAt time.Time) (int64, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID) (int64, error)
	CardIDExists(ctx context.Context, tx *gorm.DB, cardID string) (bool, error)
}

type cardRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCardRepo(db *gorm.DB, baseLog *logger.Logger) CardRepo {
	repoLog := baseLog.With("repo", "CardRepo")
	return &cardRepo{db: db, log: repoLog}
}

func (r *cardRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *cardRepo) Create(ctx context.Context, tx *gorm.DB, card *types.Card) error {
	if card == nil {
		return fmt.Errorf("nil card")
	}
	if err := r.conn(tx).WithContext(ctx).Create(card).Error; err != nil {
		return translateUniqueViolation(err)
	}
	return nil
}

// translateUniqueViolation maps storage-specific unique-constraint failures
// onto the named sentinels. Postgres reports the violated constraint;
// sqlite (tests) names the columns in the message.
func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "public_id") {
			return fmt.Errorf("%w: %s", ErrDuplicatePublicID, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateContentHash, pgErr.ConstraintName)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || errors.Is(err, gorm.ErrDuplicatedKey) {
		if strings.Contains(msg, "card_id") {
			return fmt.Errorf("%w: %v", ErrDuplicatePublicID, err)
		}
		return fmt.Errorf("%w: %v", ErrDuplicateContentHash, err)
	}
	return err
}

func (r *cardRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID) (*types.Card, error) {
	var card types.Card
	err := r.conn(tx).WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// GetByCardID resolves the short public id case-insensitively. Callers are
// responsible for the owner/is_public access decision.
func (r *cardRepo) GetByCardID(ctx context.Context, tx *gorm.DB, cardID string) (*types.Card, error) {
	var card types.Card
	err := r.conn(tx).WithContext(ctx).
		Where("card_id = ?", strings.ToUpper(cardID)).
		First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

func (r *cardRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, contentHash string) (*types.Card, error) {
	var card types.Card
	err := r.conn(tx).WithContext(ctx).
		Where("owner_id = ? AND content_hash = ?", ownerID, contentHash).
		First(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// applyCardFilters is shared by ListByOwner and CountByOwner so the two can
// never disagree on which rows match a filter combination.
func applyCardFilters(q *gorm.DB, ownerID uuid.UUID, f CardFilter) *gorm.DB {
	q = q.Where("owner_id = ?", ownerID)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Search != "" {
		pattern := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where("LOWER(title) LIKE ? OR LOWER(content) LIKE ? OR LOWER(CAST(tags AS TEXT)) LIKE ?", pattern, pattern, pattern)
	}
	if f.Source != "" {
		q = q.Where("LOWER(source) LIKE ?", "%"+strings.ToLower(f.Source)+"%")
	}
	if f.SourceFileType != "" {
		// Matches attachment filename extensions inside the JSON column,
		// e.g. `"filename":"policy.pdf"` for SourceFileType "pdf".
		ext := strings.ToLower(strings.TrimPrefix(f.SourceFileType, "."))
		q = q.Where(`LOWER(CAST(attachments AS TEXT)) LIKE ?`, `%.`+ext+`"%`)
	}
	if f.DateFrom != nil {
		q = q.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("created_at <= ?", *f.DateTo)
	}
	return q
}

var cardSortColumns = map[string]string{
	"createdAt":   "created_at",
	"created_at":  "created_at",
	"updatedAt":   "updated_at",
	"updated_at":  "updated_at",
	"title":       "title",
	"type":        "type",
	"category":    "category",
	"rating":      "metadata_rating",
	"reviewCount": "metadata_review_count",
}

func (r *cardRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, filter CardFilter, opts CardListOptions) ([]*types.Card, error) {
	column, ok := cardSortColumns[opts.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		direction = "ASC"
	}

	q := applyCardFilters(r.conn(tx).WithContext(ctx).Model(&types.Card{}), ownerID, filter)
	// id tiebreaker keeps pages stable when many cards share a sort value.
	q = q.Order(fmt.Sprintf("%s %s, id %s", column, direction, direction))
	if opts.Skip > 0 {
		q = q.Offset(opts.Skip)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var results []*types.Card
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *cardRepo) CountByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, filter CardFilter) (int64, error) {
	var count int64
	q := applyCardFilters(r.conn(tx).WithContext(ctx).Model(&types.Card{}), ownerID, filter)
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *cardRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, fields map[string]any) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	res := r.conn(tx).WithContext(ctx).
		Model(&types.Card{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(fields)
	if res.Error != nil {
		return 0, translateUniqueViolation(res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateFieldsIfUnmodified applies the fields only if the row's updated_at
// still matches. Reports false when another writer got there first.
func (r *cardRepo) UpdateFieldsIfUnmodified(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, expectedUpdatedAt time.Time, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	res := r.conn(tx).WithContext(ctx).
		Model(&types.Card{}).
		Where("id = ? AND owner_id = ? AND updated_at = ?", id, ownerID, expectedUpdatedAt).
		Updates(fields)
	if res.Error != nil {
		return false, translateUniqueViolation(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementReview bumps review_count in SQL so the count stays monotonic
// under concurrent reviews.
func (r *cardRepo) IncrementReview(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID, reviewedAt time.Time) (int64, error) {
	res := r.conn(tx).WithContext(ctx).
		Model(&types.Card{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(map[string]any{
			"metadata_review_count":  gorm.Expr("metadata_review_count + 1"),
			"metadata_last_reviewed": reviewedAt,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *cardRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID uuid.UUID) (int64, error) {
	res := r.conn(tx).WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Delete(&types.Card{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *cardRepo) CardIDExists(ctx context.Context, tx *gorm.DB, cardID string) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&types.Card{}).
		Where("card_id = ?", strings.ToUpper(cardID)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
