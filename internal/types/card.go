package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type CardType string

const (
	CardTypeConcept   CardType = "concept"
	CardTypeAction    CardType = "action"
	CardTypeQuote     CardType = "quote"
	CardTypeChecklist CardType = "checklist"
	CardTypeMindmap   CardType = "mindmap"
)

func (t CardType) Valid() bool {
	switch t {
	case CardTypeConcept, CardTypeAction, CardTypeQuote, CardTypeChecklist, CardTypeMindmap:
		return true
	}
	return false
}

const (
	GeneratedByRuleBased = "rule-based"
	GeneratedByAI        = "ai"
)

// PublicIDLength is the fixed length of the shareable card id.
const PublicIDLength = 6

// Attachment is one file associated with a card. Filename is unique within a
// card's attachment set; merges append, never replace.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
	Path         string `json:"path"`
}

// Provenance records where a card's content came from. SourceFileID and
// FileHash identify the first ingestion that established the card and are
// not overwritten by later merges unless absent.
type Provenance struct {
	SourceFileID    *uuid.UUID `json:"source_file_id,omitempty"`
	SourcePath      string     `json:"source_path,omitempty"`
	FileHash        string     `json:"file_hash,omitempty"`
	Location        string     `json:"location,omitempty"`
	Snippet         string     `json:"snippet,omitempty"`
	ModelName       string     `json:"model_name,omitempty"`
	PromptVersion   string     `json:"prompt_version,omitempty"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
}

type CardMetadata struct {
	Rating       *int       `gorm:"column:rating" json:"rating,omitempty"`
	ReviewCount  int        `gorm:"column:review_count;not null;default:0" json:"reviewCount"`
	LastReviewed *time.Time `gorm:"column:last_reviewed" json:"lastReviewed,omitempty"`
}

// Card is the central entity: one extracted or curated unit of knowledge.
// The (owner_id, content_hash) unique index is the dedup backstop — two live
// cards with the same normalized content must never coexist for one owner.
// Rows are hard-deleted so the index only ranges over live cards.
type Card struct {
	ID          uuid.UUID                        `gorm:"type:uuid;primaryKey" json:"id"`
	CardID      string                           `gorm:"column:card_id;size:6;not null;uniqueIndex:idx_card_public_id" json:"cardId"`
	OwnerID     uuid.UUID                        `gorm:"type:uuid;not null;index;uniqueIndex:idx_card_owner_hash,priority:1" json:"ownerId"`
	Title       string                           `gorm:"not null" json:"title"`
	Content     string                           `gorm:"not null" json:"content"`
	Type        CardType                         `gorm:"size:16;not null;index;default:'concept'" json:"type"`
	Category    string                           `gorm:"index" json:"category"`
	Tags        datatypes.JSONSlice[string]      `gorm:"type:jsonb" json:"tags"`
	Source      string                           `json:"source"`
	IsPublic    bool                             `gorm:"column:is_public;not null;default:false" json:"isPublic"`
	ContentHash string                           `gorm:"column:content_hash;size:64;not null;uniqueIndex:idx_card_owner_hash,priority:2" json:"contentHash"`
	GeneratedBy string                           `gorm:"column:generated_by;size:16;not null;default:'rule-based'" json:"generatedBy"`
	Provenance  *Provenance                      `gorm:"serializer:json;type:jsonb" json:"provenance,omitempty"`
	Attachments datatypes.JSONSlice[Attachment]  `gorm:"type:jsonb" json:"attachments"`
	Metadata    CardMetadata                     `gorm:"embedded;embeddedPrefix:metadata_" json:"metadata"`
	CreatedAt   time.Time                        `gorm:"not null;index" json:"createdAt"`
	UpdatedAt   time.Time                        `gorm:"not null" json:"updatedAt"`
}

func (Card) TableName() string { return "card" }

// HasAttachment reports whether an attachment with the given filename is
// already on the card.
func (c *Card) HasAttachment(filename string) bool {
	for _, a := range c.Attachments {
		if a.Filename == filename {
			return true
		}
	}
	return false
}
