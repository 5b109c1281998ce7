package pdfprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/awels/mcp-pdf-processor/internal/cache"
	"github.com/awels/mcp-pdf-processor/internal/config"
	"github.com/awels/mcp-pdf-processor/internal/registry"
	"github.com/awels/mcp-pdf-processor/internal/security"
	"github.com/awels/mcp-pdf-processor/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// ToolName is the registered MCP tool name.
const ToolName = "convert_pdf"

// conversionCacheKey is where the shared conversion cache lives inside
// the registry-provided cache map.
const conversionCacheKey = "pdfprocessor:conversions"

// BatchTool implements the convert_pdf tool: find PDF files under a
// directory and convert each one to markdown.
type BatchTool struct{}

// init registers the tool
func init() {
	registry.Register(&BatchTool{})
}

// Definition returns the tool's definition for MCP registration
func (t *BatchTool) Definition() mcp.Tool {
	return mcp.NewTool(
		ToolName,
		mcp.WithDescription(`Find PDF files in a directory and convert them to Markdown. Scans the directory (recursively by default), converts each PDF in turn and returns per-file results plus summary statistics. Optionally saves the markdown files and extracts embedded images. One unreadable PDF never fails the batch; its error is recorded in that file's slot.`),
		mcp.WithString("directory",
			mcp.Required(),
			mcp.Description("Directory path to search for PDF files"),
		),
		mcp.WithBoolean("recursive",
			mcp.Description("Whether to search subdirectories recursively (default: true)"),
			mcp.DefaultBool(true),
		),
		mcp.WithString("markdown_output_path",
			mcp.Description("Directory where converted markdown files are saved as <name>.md. If omitted, markdown content is only returned in the response"),
		),
		mcp.WithString("images_dir",
			mcp.Description("Directory where embedded images are extracted to. If omitted, images are not extracted"),
		),
	)
}

// Execute runs the batch conversion
func (t *BatchTool) Execute(ctx context.Context, logger *logrus.Logger, cacheMap *sync.Map, args map[string]interface{}) (*mcp.CallToolResult, error) {
	logger.Debug("Executing PDF batch conversion tool")

	request, err := t.ParseRequest(args)
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"directory":            request.Directory,
		"recursive":            request.Recursive,
		"markdown_output_path": request.MarkdownOutputPath,
		"images_dir":           request.ImagesDir,
	}).Debug("PDF batch conversion parameters")

	// The access policy covers the scan root and both output locations.
	// Individual files are checked again during the batch, so a denied
	// subdirectory inside an allowed root stays protected.
	if err := security.CheckFileAccess(request.Directory); err != nil {
		return nil, err
	}
	if request.MarkdownOutputPath != "" {
		if err := security.CheckFileAccess(request.MarkdownOutputPath); err != nil {
			return nil, err
		}
	}
	if request.ImagesDir != "" {
		if err := security.CheckFileAccess(request.ImagesDir); err != nil {
			return nil, err
		}
	}

	converter := NewDocumentConverter(logger, t.conversionCache(cacheMap))
	aggregator := NewAggregator(logger, converter)

	result, err := aggregator.Run(ctx, request)
	if err != nil {
		// Request-level failures keep the original error payload shape.
		return t.newToolResultJSON(map[string]any{
			"error":     err.Error(),
			"directory": request.Directory,
		})
	}

	return t.newToolResultJSON(result)
}

// ParseRequest validates the raw tool arguments and applies configured
// defaults, producing the settings object the batch runs from.
func (t *BatchTool) ParseRequest(args map[string]interface{}) (ConversionRequest, error) {
	cfg := config.Get()

	directory, ok := args["directory"].(string)
	if !ok || strings.TrimSpace(directory) == "" {
		return ConversionRequest{}, fmt.Errorf("missing or invalid required parameter: directory")
	}

	request := ConversionRequest{
		Directory:          directory,
		Recursive:          cfg.Recursive,
		MarkdownOutputPath: cfg.MarkdownOutput,
		ImagesDir:          cfg.ImagesDir,
	}

	if recursive, ok := args["recursive"].(bool); ok {
		request.Recursive = recursive
	}
	if markdownOutput, ok := args["markdown_output_path"].(string); ok && markdownOutput != "" {
		request.MarkdownOutputPath = markdownOutput
	}
	if imagesDir, ok := args["images_dir"].(string); ok && imagesDir != "" {
		request.ImagesDir = imagesDir
	}

	return request, nil
}

// conversionCache returns the shared conversion cache, creating it inside
// the registry-provided cache map on first use so repeated requests for
// unchanged files skip parsing.
func (t *BatchTool) conversionCache(shared *sync.Map) *cache.Cache {
	if existing, ok := shared.Load(conversionCacheKey); ok {
		if c, ok := existing.(*cache.Cache); ok {
			return c
		}
	}
	created := cache.NewCache(config.Get().CacheTTL)
	actual, _ := shared.LoadOrStore(conversionCacheKey, created)
	if c, ok := actual.(*cache.Cache); ok {
		return c
	}
	return created
}

// newToolResultJSON creates a new tool result with JSON content
func (t *BatchTool) newToolResultJSON(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// ProvideExtendedInfo provides detailed usage information for the tool
func (t *BatchTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		Examples: []tools.ToolExample{
			{
				Description: "Convert every PDF under a directory tree",
				Arguments: map[string]any{
					"directory": "/Users/username/documents/reports",
				},
				ExpectedResult: "Returns a summary with file, page and image counts plus a per-file map keyed by absolute path, each entry holding the markdown content or an error",
			},
			{
				Description: "Convert only the top level of a directory and save markdown files",
				Arguments: map[string]any{
					"directory":            "/Users/username/documents/invoices",
					"recursive":            false,
					"markdown_output_path": "/Users/username/documents/invoices/markdown",
				},
				ExpectedResult: "Converts PDFs directly in the invoices directory, writes one <name>.md per PDF into the markdown directory and records each saved path as markdown_file",
			},
			{
				Description: "Convert PDFs and extract their embedded images",
				Arguments: map[string]any{
					"directory":            "/Users/username/papers",
					"markdown_output_path": "/Users/username/papers/md",
					"images_dir":           "/Users/username/papers/images",
				},
				ExpectedResult: "Extracts embedded images into the images directory, lists them per file under extracted_images and references them from the markdown page sections",
			},
		},
		CommonPatterns: []string{
			"Omit markdown_output_path on a first pass to inspect content in the response before writing any files",
			"Use recursive: false when the directory tree contains archived copies you do not want converted",
			"Check summary.failed after each batch; per-file error messages explain exactly which PDFs need attention",
			"Point images_dir at a dedicated directory so extracted images do not mix with source PDFs",
		},
		Troubleshooting: []tools.TroubleshootingTip{
			{
				Problem:  "Result contains \"Directory not found\"",
				Solution: "The directory parameter must be a path that exists on the machine running the server. Check for typos and ensure the path is not relative to a different working directory.",
			},
			{
				Problem:  "A file's entry says the size exceeds the maximum allowed size",
				Solution: "Files over the configured limit (default 200MB) are skipped for safety and recorded as failures. Raise the limit with the PDF_PROCESSOR_MAX_FILE_SIZE environment variable if the file is trusted.",
			},
			{
				Problem:  "Pages show '*No text content found on this page*'",
				Solution: "The PDF has no embedded text layer on those pages, which usually means a scanned document. OCR preprocessing is required before conversion can recover text.",
			},
			{
				Problem:  "No images extracted despite images_dir being set",
				Solution: "The PDFs may not contain embedded raster images, or the images use an unsupported encoding. Image extraction is best effort and never fails the batch.",
			},
			{
				Problem:  "Result contains \"access denied\"",
				Solution: "Filesystem access controls are enabled and the path is outside PDF_PROCESSOR_ALLOWED_DIRS or inside PDF_PROCESSOR_DENIED_PATHS. Adjust the policy or move the files.",
			},
		},
		ParameterDetails: map[string]string{
			"directory":            "Directory to search for PDF files (required). Matching is by .pdf extension, case-insensitive. Files are processed in lexicographic path order.",
			"recursive":            "Search subdirectories (optional, default: true). With false only PDFs directly inside the directory are converted.",
			"markdown_output_path": "Directory for persisted markdown files (optional). Created if missing; creation failure fails the whole request before any file is processed.",
			"images_dir":           "Directory for extracted images (optional). Shared by all files in the batch; per-file attribution is recorded in extracted_images.",
		},
		WhenToUse:    "Use to bulk-convert a folder of PDFs into markdown for analysis, indexing or summarisation, especially when you want one structured result for the whole set rather than one call per file.",
		WhenNotToUse: "Don't use for scanned PDFs that need OCR, password-protected files, or when you only need a single known file converted with page-level selection.",
	}
}
