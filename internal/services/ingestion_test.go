package services

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/knowdeck/knowdeck-backend/internal/types"
)

func newIngestionFixture(t *testing.T) (*fakeCardRepo, IngestionService) {
	t.Helper()
	log := testLogger(t)
	repo := newFakeCardRepo()
	allocator := NewPublicIDAllocator(log, repo)
	return repo, NewIngestionService(nil, log, repo, allocator)
}

func pdfFile(filename, originalName string) types.UploadedFileDescriptor {
	return types.UploadedFileDescriptor{
		Filename:     filename,
		OriginalName: originalName,
		Mimetype:     "application/pdf",
		Size:         2048,
		Path:         "/uploads/" + filename,
	}
}

func TestIngestCreatesCard(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()
	fileID := uuid.New()

	candidate := types.CandidateCard{
		Title:    "Security Policy Summary",
		Content:  "All access requires MFA.",
		Type:     types.CardTypeChecklist,
		Category: "security",
		Tags:     []string{"policy", "mfa"},
		Provenance: &types.ProvenanceFragment{
			Location: "page 3",
			Snippet:  "Access to production systems requires MFA at all times.",
		},
	}
	result, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("a1b2.pdf", "policy.pdf"), "hash-1", fileID)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.IsDuplicate {
		t.Fatalf("first ingest must not be a duplicate")
	}
	card := result.Card
	if card.Source != "policy.pdf" {
		t.Fatalf("source: want=policy.pdf got=%q", card.Source)
	}
	if len(card.Attachments) != 1 || card.Attachments[0].Filename != "a1b2.pdf" {
		t.Fatalf("attachments unexpected: %+v", card.Attachments)
	}
	if card.Provenance == nil || card.Provenance.Snippet == "" {
		t.Fatalf("provenance snippet must be stored")
	}
	if card.Provenance.SourceFileID == nil || *card.Provenance.SourceFileID != fileID {
		t.Fatalf("provenance file id: want=%s got=%v", fileID, card.Provenance.SourceFileID)
	}
	if card.ContentHash != Fingerprint(candidate.Title, candidate.Content) {
		t.Fatalf("content hash mismatch")
	}
}

func TestIngestValidation(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()

	_, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), types.CandidateCard{Title: "t"}, owner, pdfFile("f.pdf", "f.pdf"), "h", uuid.New())
	wantAPIErr(t, err, http.StatusBadRequest, "missing_fields")

	_, err = svc.CreateOrUpdateFromProcessedItem(context.Background(), types.CandidateCard{Title: "t", Content: "c"}, uuid.Nil, pdfFile("f.pdf", "f.pdf"), "h", uuid.New())
	wantAPIErr(t, err, http.StatusBadRequest, "missing_owner")
}

func TestIngestDuplicateMergesAttachmentsAndSource(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()
	candidate := types.CandidateCard{Title: "Same Card", Content: "Same content.", Category: "notes"}

	first, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("aa.pdf", "slides.pdf"), "hash-a", uuid.New())
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("bb.pdf", "handout.pdf"), "hash-b", uuid.New())
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.IsDuplicate {
		t.Fatalf("re-ingest of known content must report duplicate")
	}
	if second.Card.ID != first.Card.ID {
		t.Fatalf("merge must land on the existing card")
	}
	if len(second.Card.Attachments) != 2 {
		t.Fatalf("attachments: want=2 got=%d", len(second.Card.Attachments))
	}
	if second.Card.Source != "slides.pdf, handout.pdf" {
		t.Fatalf("source label: want=%q got=%q", "slides.pdf, handout.pdf", second.Card.Source)
	}

	// Same physical file again: nothing to add.
	third, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("aa.pdf", "slides.pdf"), "hash-a", uuid.New())
	if err != nil {
		t.Fatalf("third ingest: %v", err)
	}
	if !third.IsDuplicate || len(third.Card.Attachments) != 2 {
		t.Fatalf("idempotent re-ingest grew attachments: %d", len(third.Card.Attachments))
	}
	if strings.Count(third.Card.Source, "slides.pdf") != 1 {
		t.Fatalf("source label must not repeat names: %q", third.Card.Source)
	}
}

func TestIngestProvenanceFirstWriteWins(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()
	firstFileID := uuid.New()
	candidate := types.CandidateCard{
		Title:      "Card",
		Content:    "Body",
		Provenance: &types.ProvenanceFragment{Location: "page 1"},
	}

	first, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("aa.pdf", "v1.pdf"), "hash-v1", firstFileID)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Card.Provenance.Snippet != "" {
		t.Fatalf("no snippet was supplied yet")
	}

	// Second ingest carries a different file identity and a snippet. Identity
	// must stay with the first ingest; the absent snippet may be filled.
	candidate.Provenance = &types.ProvenanceFragment{Location: "page 9", Snippet: "the verbatim source text"}
	second, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("bb.pdf", "v2.pdf"), "hash-v2", uuid.New())
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	prov := second.Card.Provenance
	if prov.SourceFileID == nil || *prov.SourceFileID != firstFileID {
		t.Fatalf("source file id overwritten: want=%s got=%v", firstFileID, prov.SourceFileID)
	}
	if prov.FileHash != "hash-v1" || prov.Location != "page 1" {
		t.Fatalf("established provenance overwritten: %+v", prov)
	}
	if prov.Snippet != "the verbatim source text" {
		t.Fatalf("absent snippet must be filled: %+v", prov)
	}
}

func TestIngestRaceRecoversAsMerge(t *testing.T) {
	repo, svc := newIngestionFixture(t)
	owner := uuid.New()
	candidate := types.CandidateCard{Title: "Raced", Content: "Raced body", Category: "c"}

	winner, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("aa.pdf", "first.pdf"), "hash-a", uuid.New())
	if err != nil {
		t.Fatalf("seed winner: %v", err)
	}

	// The loser's duplicate lookup misses (the winner committed after it),
	// its insert hits the unique index, and the recovery path merges.
	repo.hashMisses = 1
	loser, err := svc.CreateOrUpdateFromProcessedItem(context.Background(), candidate, owner, pdfFile("bb.pdf", "second.pdf"), "hash-b", uuid.New())
	if err != nil {
		t.Fatalf("raced ingest: %v", err)
	}
	if !loser.IsDuplicate {
		t.Fatalf("race loser must resolve as duplicate")
	}
	if loser.Card.ID != winner.Card.ID {
		t.Fatalf("race loser must merge into the winner's card")
	}
	if len(loser.Card.Attachments) != 2 {
		t.Fatalf("merge after race must append the attachment: %d", len(loser.Card.Attachments))
	}
}

func TestIngestProcessedItemsBatch(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()

	items := []types.ProcessedItem{
		{Candidate: types.CandidateCard{Title: "One", Content: "Body one"}, File: pdfFile("a.pdf", "doc.pdf"), FileHash: "h1", FileID: uuid.New()},
		{Candidate: types.CandidateCard{Title: "Two", Content: "Body two"}, File: pdfFile("a.pdf", "doc.pdf"), FileHash: "h1", FileID: uuid.New()},
		{Candidate: types.CandidateCard{Title: "Three", Content: "Body three"}, File: pdfFile("a.pdf", "doc.pdf"), FileHash: "h1", FileID: uuid.New()},
	}
	results, err := svc.IngestProcessedItems(context.Background(), owner, items)
	if err != nil {
		t.Fatalf("batch ingest: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("results: want=%d got=%d", len(items), len(results))
	}
	seen := map[uuid.UUID]bool{}
	for i, r := range results {
		if r == nil || r.Card == nil {
			t.Fatalf("result %d missing", i)
		}
		if seen[r.Card.ID] {
			t.Fatalf("distinct candidates must not collapse into one card")
		}
		seen[r.Card.ID] = true
	}
}

func TestIngestBatchDuplicatesCollapse(t *testing.T) {
	_, svc := newIngestionFixture(t)
	owner := uuid.New()

	same := types.CandidateCard{Title: "Dup", Content: "Dup body"}
	items := []types.ProcessedItem{
		{Candidate: same, File: pdfFile("a.pdf", "doc.pdf"), FileHash: "h1", FileID: uuid.New()},
		{Candidate: same, File: pdfFile("b.pdf", "doc2.pdf"), FileHash: "h2", FileID: uuid.New()},
	}
	results, err := svc.IngestProcessedItems(context.Background(), owner, items)
	if err != nil {
		t.Fatalf("batch ingest: %v", err)
	}
	if results[0].Card.ID != results[1].Card.ID {
		t.Fatalf("identical candidates in one batch must resolve to one card")
	}
	if !results[0].IsDuplicate && !results[1].IsDuplicate {
		t.Fatalf("one of the two identical candidates must report duplicate")
	}
}
