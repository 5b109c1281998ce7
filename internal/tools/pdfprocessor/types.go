package pdfprocessor

import (
	"encoding/json"
	"fmt"
)

// ConversionRequest carries the resolved settings for one batch conversion.
// Defaults from the configuration layer are already applied; nothing below
// the tool entry point consults ambient state.
type ConversionRequest struct {
	// Directory is the root searched for PDF files. Must exist and be a
	// directory, checked before any file is processed.
	Directory string
	// Recursive controls whether subdirectories are searched.
	Recursive bool
	// MarkdownOutputPath, when set, is the directory where each converted
	// document is persisted as <stem>.md.
	MarkdownOutputPath string
	// ImagesDir, when set, is the directory embedded images are extracted
	// into. Empty means no image extraction.
	ImagesDir string
}

// FileSuccess describes one successfully converted document.
type FileSuccess struct {
	Filename        string            `json:"filename"`
	AbsolutePath    string            `json:"absolute_path"`
	SizeBytes       int64             `json:"size"`
	ModifiedUnix    int64             `json:"modified"`
	PageCount       int               `json:"pages"`
	Metadata        map[string]string `json:"metadata"`
	ExtractedImages []string          `json:"extracted_images"`
	MarkdownFile    string            `json:"markdown_file,omitempty"`
	Content         string            `json:"content"`
}

type fileFailure struct {
	Error string `json:"error"`
}

// FileResult is the outcome for a single PDF. Exactly one of the success
// or failure cases is populated; the JSON encoding is either the full
// FileSuccess object or {"error": "..."}.
type FileResult struct {
	success *FileSuccess
	failure string
}

// SuccessResult wraps a converted document as a FileResult.
func SuccessResult(s *FileSuccess) FileResult {
	return FileResult{success: s}
}

// FailureResult records a per-file error. The batch continues past it.
func FailureResult(err error) FileResult {
	return FileResult{failure: err.Error()}
}

// Succeeded reports which case of the union is populated.
func (r FileResult) Succeeded() bool {
	return r.success != nil
}

// Success returns the success case, or nil for a failed file.
func (r FileResult) Success() *FileSuccess {
	return r.success
}

// FailureMessage returns the recorded error for a failed file, or "" for
// a successful one.
func (r FileResult) FailureMessage() string {
	return r.failure
}

// MarshalJSON encodes the populated case of the union.
func (r FileResult) MarshalJSON() ([]byte, error) {
	if r.success != nil {
		return json.Marshal(r.success)
	}
	return json.Marshal(fileFailure{Error: r.failure})
}

// UnmarshalJSON decodes either case of the union, keyed on the presence
// of a top-level "error" field.
func (r *FileResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("failed to parse file result: %w", err)
	}
	if probe.Error != nil {
		r.success = nil
		r.failure = *probe.Error
		return nil
	}
	var success FileSuccess
	if err := json.Unmarshal(data, &success); err != nil {
		return fmt.Errorf("failed to parse file result: %w", err)
	}
	r.success = &success
	r.failure = ""
	return nil
}

// BatchSummary aggregates the outcome of a batch. Page and image totals
// sum over successful files only, and successful+failed always equals
// TotalFiles.
type BatchSummary struct {
	TotalFiles           int    `json:"total_files"`
	Successful           int    `json:"successful"`
	Failed               int    `json:"failed"`
	TotalPages           int    `json:"total_pages"`
	TotalImagesExtracted int    `json:"total_images_extracted"`
	Message              string `json:"message,omitempty"`
}

// BatchResult is the complete response for one conversion request. Files
// are keyed by absolute resolved source path so same-named PDFs in
// different subdirectories never collide.
type BatchResult struct {
	Summary BatchSummary          `json:"summary"`
	Files   map[string]FileResult `json:"files"`
}

// Document is the converter's output for a single PDF before the
// aggregator folds in file stats and persistence.
type Document struct {
	PageCount       int
	Metadata        map[string]string
	ExtractedImages []string
	Content         string
}
