package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/knowdeck/knowdeck-backend/internal/apierr"
	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

const ingestBatchConcurrency = 4

// IngestionService is the entry point the upload pipeline calls once per
// extracted candidate card. It decides create-vs-merge by content
// fingerprint; merges update attachments, source label and provenance in one
// single-row write so no partially-merged state is ever observable.
type IngestionService interface {
	CreateOrUpdateFromProcessedItem(ctx context.Context, candidate types.CandidateCard, ownerID uuid.UUID, file types.UploadedFileDescriptor, fileHash string, fileID uuid.UUID) (*types.IngestResult, error)
	IngestProcessedItems(ctx context.Context, ownerID uuid.UUID, items []types.ProcessedItem) ([]*types.IngestResult, error)
}

type ingestionService struct {
	db        *gorm.DB
	log       *logger.Logger
	cardRepo  repos.CardRepo
	allocator PublicIDAllocator
}

func NewIngestionService(db *gorm.DB, baseLog *logger.Logger, cardRepo repos.CardRepo, allocator PublicIDAllocator) IngestionService {
	serviceLog := baseLog.With("service", "IngestionService")
	return &ingestionService{
		db:        db,
		log:       serviceLog,
		cardRepo:  cardRepo,
		allocator: allocator,
	}
}

func (s *ingestionService) CreateOrUpdateFromProcessedItem(ctx context.Context, candidate types.CandidateCard, ownerID uuid.UUID, file types.UploadedFileDescriptor, fileHash string, fileID uuid.UUID) (*types.IngestResult, error) {
	if ownerID == uuid.Nil {
		return nil, apierr.Validation("missing_owner", errors.New("owner id is required"))
	}
	if candidate.Title == "" || candidate.Content == "" {
		return nil, apierr.Validation("missing_fields", errors.New("candidate title and content are required"))
	}

	contentHash := Fingerprint(candidate.Title, candidate.Content)

	existing, err := s.cardRepo.GetByContentHash(ctx, nil, ownerID, contentHash)
	if err != nil {
		return nil, fmt.Errorf("find duplicate: %w", err)
	}
	if existing != nil {
		return s.mergeIntoExisting(ctx, existing, candidate, file, fileHash, fileID)
	}

	card, err := s.createFromCandidate(ctx, candidate, ownerID, contentHash, file, fileHash, fileID)
	if err == nil {
		s.log.Info("Card ingested", "card_id", card.CardID, "owner_id", ownerID, "source", file.OriginalName)
		return &types.IngestResult{Card: card, IsDuplicate: false}, nil
	}

	// Race recovery: a concurrent ingestion of the same fingerprint won the
	// create. The uniqueness constraint is the backstop; fall back to merge.
	if errors.Is(err, repos.ErrDuplicateContentHash) {
		s.log.Info("Create lost dedup race, merging instead", "owner_id", ownerID, "content_hash", contentHash)
		winner, ferr := s.cardRepo.GetByContentHash(ctx, nil, ownerID, contentHash)
		if ferr != nil {
			return nil, fmt.Errorf("refetch after dedup race: %w", ferr)
		}
		if winner == nil {
			// The winner vanished between conflict and refetch (deleted). The
			// whole ingestion is retry-safe, so surface a transient error.
			return nil, fmt.Errorf("dedup race winner disappeared for hash %s", contentHash)
		}
		return s.mergeIntoExisting(ctx, winner, candidate, file, fileHash, fileID)
	}
	return nil, err
}

func (s *ingestionService) createFromCandidate(ctx context.Context, candidate types.CandidateCard, ownerID uuid.UUID, contentHash string, file types.UploadedFileDescriptor, fileHash string, fileID uuid.UUID) (*types.Card, error) {
	cardType := candidate.Type
	if !cardType.Valid() {
		cardType = types.CardTypeConcept
	}
	generatedBy := types.GeneratedByRuleBased
	if candidate.GeneratedBy == types.GeneratedByAI {
		generatedBy = types.GeneratedByAI
	}

	for attempt := 0; attempt < 3; attempt++ {
		publicID, err := s.allocator.Allocate(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate public id: %w", err)
		}
		now := time.Now()
		card := &types.Card{
			ID:          uuid.New(),
			CardID:      publicID,
			OwnerID:     ownerID,
			Title:       candidate.Title,
			Content:     candidate.Content,
			Type:        cardType,
			Category:    candidate.Category,
			Tags:        datatypes.NewJSONSlice(append([]string{}, candidate.Tags...)),
			Source:      file.OriginalName,
			ContentHash: contentHash,
			GeneratedBy: generatedBy,
			Provenance:  ingestionProvenance(candidate.Provenance, fileID, fileHash, file.Path),
			Attachments: datatypes.NewJSONSlice([]types.Attachment{attachmentFromFile(file)}),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.cardRepo.Create(ctx, nil, card)
		if err == nil {
			return card, nil
		}
		if errors.Is(err, repos.ErrDuplicatePublicID) {
			s.log.Warn("Public id collided at insert, reallocating", "card_id", publicID)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("create card: public id collisions exhausted retries")
}

// mergeIntoExisting folds a re-ingestion of known content into the existing
// card: append the attachment unless the filename collides, extend the
// source label unless the name is already in it, and merge provenance
// first-write-wins. Everything lands in one update.
func (s *ingestionService) mergeIntoExisting(ctx context.Context, existing *types.Card, candidate types.CandidateCard, file types.UploadedFileDescriptor, fileHash string, fileID uuid.UUID) (*types.IngestResult, error) {
	fields := map[string]any{}

	attachments := existing.Attachments
	if file.Filename != "" && !existing.HasAttachment(file.Filename) {
		attachments = append(append(datatypes.JSONSlice[types.Attachment]{}, existing.Attachments...), attachmentFromFile(file))
		fields["attachments"] = attachments
	}

	source := existing.Source
	if file.OriginalName != "" && !strings.Contains(existing.Source, file.OriginalName) {
		if source == "" {
			source = file.OriginalName
		} else {
			source = source + ", " + file.OriginalName
		}
		fields["source"] = source
	}

	if merged, changed := mergeProvenance(existing.Provenance, ingestionProvenance(candidate.Provenance, fileID, fileHash, file.Path)); changed {
		fields["provenance"] = merged
		existing.Provenance = merged
	}

	if len(fields) == 0 {
		return &types.IngestResult{Card: existing, IsDuplicate: true}, nil
	}

	rows, err := s.cardRepo.UpdateFields(ctx, nil, existing.ID, existing.OwnerID, fields)
	if err != nil {
		return nil, fmt.Errorf("merge into existing card: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("existing card %s disappeared during merge", existing.CardID)
	}

	updated, err := s.cardRepo.GetByID(ctx, nil, existing.ID, existing.OwnerID)
	if err != nil || updated == nil {
		return nil, fmt.Errorf("reload merged card: %w", err)
	}
	s.log.Info("Duplicate ingested, merged", "card_id", updated.CardID, "owner_id", updated.OwnerID, "source", file.OriginalName)
	return &types.IngestResult{Card: updated, IsDuplicate: true}, nil
}

// IngestProcessedItems fans the per-item entry point over one upload's
// candidates with bounded concurrency. Identical candidates inside one
// batch resolve through the same race-recovery branch as cross-request
// races.
func (s *ingestionService) IngestProcessedItems(ctx context.Context, ownerID uuid.UUID, items []types.ProcessedItem) ([]*types.IngestResult, error) {
	results := make([]*types.IngestResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ingestBatchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			res, err := s.CreateOrUpdateFromProcessedItem(gctx, item.Candidate, ownerID, item.File, item.FileHash, item.FileID)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func attachmentFromFile(file types.UploadedFileDescriptor) types.Attachment {
	return types.Attachment{
		Filename:     file.Filename,
		OriginalName: file.OriginalName,
		Mimetype:     file.Mimetype,
		Size:         file.Size,
		Path:         file.Path,
	}
}

func ingestionProvenance(fragment *types.ProvenanceFragment, fileID uuid.UUID, fileHash, path string) *types.Provenance {
	p := &types.Provenance{
		SourcePath: path,
		FileHash:   fileHash,
	}
	if fileID != uuid.Nil {
		id := fileID
		p.SourceFileID = &id
	}
	if fragment != nil {
		p.Location = fragment.Location
		p.Snippet = fragment.Snippet
		p.ModelName = fragment.ModelName
		p.PromptVersion = fragment.PromptVersion
		p.ConfidenceScore = fragment.ConfidenceScore
	}
	return p
}

// mergeProvenance implements first-write-wins on provenance identity: once
// source_file_id is established, later ingests never clobber it. Absent
// fields (notably the snippet regeneration depends on) may still be filled.
func mergeProvenance(existing *types.Provenance, incoming *types.Provenance) (*types.Provenance, bool) {
	if incoming == nil {
		return existing, false
	}
	if existing == nil {
		return incoming, true
	}

	merged := *existing
	changed := false
	if merged.SourceFileID == nil {
		if incoming.SourceFileID != nil {
			merged.SourceFileID = incoming.SourceFileID
			changed = true
		}
		if merged.FileHash == "" && incoming.FileHash != "" {
			merged.FileHash = incoming.FileHash
			changed = true
		}
		if merged.SourcePath == "" && incoming.SourcePath != "" {
			merged.SourcePath = incoming.SourcePath
			changed = true
		}
		if merged.Location == "" && incoming.Location != "" {
			merged.Location = incoming.Location
			changed = true
		}
	}
	if merged.Snippet == "" && incoming.Snippet != "" {
		merged.Snippet = incoming.Snippet
		changed = true
	}
	if !changed {
		return existing, false
	}
	return &merged, true
}
