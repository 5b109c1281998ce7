package pdfprocessor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awels/mcp-pdf-processor/internal/config"
	"github.com/awels/mcp-pdf-processor/internal/security"
	"github.com/awels/mcp-pdf-processor/internal/tools"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// noFilesMessage is returned in the summary when the scan finds nothing.
const noFilesMessage = "No PDF files found in the specified directory"

// Aggregator runs one batch conversion: scan the directory, convert each
// file in order, fold the outcomes into a BatchResult. Files are
// processed strictly one at a time; the converter is not assumed safe for
// concurrent use.
type Aggregator struct {
	logger    *logrus.Logger
	converter Converter
}

// NewAggregator wires a converter into a batch runner.
func NewAggregator(logger *logrus.Logger, converter Converter) *Aggregator {
	return &Aggregator{logger: logger, converter: converter}
}

// Run executes the batch described by request. It either returns a fully
// populated BatchResult (possibly containing per-file failures) or a
// request-level error; never a truncated result. Request-level failures
// are a missing or invalid root directory, an output directory that
// cannot be created, or cancellation.
func (a *Aggregator) Run(ctx context.Context, request ConversionRequest) (*BatchResult, error) {
	started := time.Now()
	runID := uuid.New().String()
	log := a.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"directory": request.Directory,
		"recursive": request.Recursive,
	})

	paths, err := ScanDirectory(ctx, request.Directory, request.Recursive)
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		log.Info("No PDF files found")
		return &BatchResult{
			Summary: BatchSummary{Message: noFilesMessage},
			Files:   map[string]FileResult{},
		}, nil
	}

	if request.MarkdownOutputPath, err = ensureOutputDir(request.MarkdownOutputPath); err != nil {
		return nil, fmt.Errorf("failed to create markdown output directory: %w", err)
	}
	if request.ImagesDir, err = ensureOutputDir(request.ImagesDir); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	log.WithField("total_files", len(paths)).Info("Starting batch PDF conversion")

	result := &BatchResult{
		Summary: BatchSummary{TotalFiles: len(paths)},
		Files:   make(map[string]FileResult, len(paths)),
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log.WithField("file", path).Debug("Processing file")
		fileResult := a.processFile(ctx, path, request)
		result.Files[path] = fileResult

		if fileResult.Succeeded() {
			success := fileResult.Success()
			result.Summary.Successful++
			result.Summary.TotalPages += success.PageCount
			result.Summary.TotalImagesExtracted += len(success.ExtractedImages)
		} else {
			log.WithFields(logrus.Fields{
				"file":  path,
				"error": fileResult.FailureMessage(),
			}).Warn("File conversion failed")
			result.Summary.Failed++
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"successful":       result.Summary.Successful,
		"failed":           result.Summary.Failed,
		"total_pages":      result.Summary.TotalPages,
		"images_extracted": result.Summary.TotalImagesExtracted,
		"duration":         time.Since(started).String(),
	}).Info("Batch PDF conversion completed")

	if err := config.GetGlobalState().RecordBatch(runID, result.Summary.TotalFiles, result.Summary.Failed, result.Summary.TotalPages, result.Summary.TotalImagesExtracted, time.Since(started)); err != nil {
		log.WithError(err).Warn("Failed to record batch statistics")
	}

	return result, nil
}

// processFile converts a single PDF and builds its FileResult. Any error,
// including a converter panic, is contained in this file's slot so the
// batch continues.
func (a *Aggregator) processFile(ctx context.Context, path string, request ConversionRequest) (result FileResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{
				"file":  path,
				"panic": r,
			}).Error("Panic recovered while converting file")
			result = a.failFile(path, fmt.Errorf("Failed to convert PDF: panic: %v", r))
		}
	}()

	if err := security.CheckFileAccess(path); err != nil {
		return a.failFile(path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return a.failFile(path, fmt.Errorf("Failed to convert PDF: %v", err))
	}

	doc, err := a.converter.Convert(ctx, path, ConvertOptions{
		ImagesDir:   request.ImagesDir,
		MarkdownDir: request.MarkdownOutputPath,
	})
	if err != nil {
		return a.failFile(path, fmt.Errorf("Failed to convert PDF: %v", err))
	}

	success := &FileSuccess{
		Filename:        filepath.Base(path),
		AbsolutePath:    path,
		SizeBytes:       info.Size(),
		ModifiedUnix:    info.ModTime().Unix(),
		PageCount:       doc.PageCount,
		Metadata:        doc.Metadata,
		ExtractedImages: doc.ExtractedImages,
		Content:         doc.Content,
	}
	if success.Metadata == nil {
		success.Metadata = map[string]string{}
	}
	if success.ExtractedImages == nil {
		success.ExtractedImages = []string{}
	}

	if request.MarkdownOutputPath != "" {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		markdownFile := filepath.Join(request.MarkdownOutputPath, stem+".md")
		if err := os.WriteFile(markdownFile, []byte(doc.Content), 0600); err != nil {
			return a.failFile(path, fmt.Errorf("Failed to convert PDF to Markdown: error saving markdown file: %v", err))
		}
		success.MarkdownFile = markdownFile
	}

	return SuccessResult(success)
}

// failFile records one file's failure in the tool error log and wraps it
// for the result map.
func (a *Aggregator) failFile(path string, err error) FileResult {
	tools.GetGlobalErrorLogger().LogFileError(ToolName, path, err)
	return FailureResult(err)
}

// ensureOutputDir resolves dir to an absolute path and creates it. An
// empty dir means the output is not requested and stays empty.
func ensureOutputDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return "", err
	}
	return abs, nil
}
