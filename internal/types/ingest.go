package types

import "github.com/google/uuid"

// CandidateCard is one extracted card payload emitted by the upload
// pipeline, before dedup resolution.
type CandidateCard struct {
	Title       string              `json:"title"`
	Content     string              `json:"content"`
	Type        CardType            `json:"type"`
	Category    string              `json:"category"`
	Tags        []string            `json:"tags"`
	GeneratedBy string              `json:"generatedBy,omitempty"`
	Provenance  *ProvenanceFragment `json:"provenance,omitempty"`
}

// ProvenanceFragment is the generation evidence the pipeline attaches to a
// candidate; file identity (id/hash/path) arrives separately with the
// uploaded-file descriptor.
type ProvenanceFragment struct {
	Location        string   `json:"location,omitempty"`
	Snippet         string   `json:"snippet,omitempty"`
	ModelName       string   `json:"model_name,omitempty"`
	PromptVersion   string   `json:"prompt_version,omitempty"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// UploadedFileDescriptor identifies the stored upload a candidate came from.
type UploadedFileDescriptor struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
	Path         string `json:"path"`
}

// IngestResult reports how one candidate resolved.
type IngestResult struct {
	Card        *Card `json:"card"`
	IsDuplicate bool  `json:"isDuplicate"`
}

// ProcessedItem pairs a candidate with its file identity for the batch
// ingestion entry point.
type ProcessedItem struct {
	Candidate CandidateCard          `json:"candidate"`
	File      UploadedFileDescriptor `json:"file"`
	FileHash  string                 `json:"fileHash"`
	FileID    uuid.UUID              `json:"fileId"`
}
