package pdfprocessor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/awels/mcp-pdf-processor/internal/cache"
	"github.com/awels/mcp-pdf-processor/internal/config"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

// ConvertOptions carries the per-request output locations a conversion
// needs to know about.
type ConvertOptions struct {
	// ImagesDir is the directory embedded images are extracted into.
	// Empty disables image extraction.
	ImagesDir string
	// MarkdownDir anchors relative image references in the assembled
	// markdown. Empty leaves references absolute.
	MarkdownDir string
}

// Converter converts a single PDF into a Document. Implementations are
// not assumed safe for concurrent use; the aggregator calls Convert one
// file at a time.
type Converter interface {
	Convert(ctx context.Context, filePath string, opts ConvertOptions) (*Document, error)
}

// DocumentConverter is the production Converter. Page counting, image
// extraction and the raw content-stream fallback use pdfcpu; primary text
// comes from the embedded text layer. Conversions are memoised in the TTL
// cache keyed by path, size, mtime and output locations.
type DocumentConverter struct {
	logger *logrus.Logger
	cache  *cache.Cache
	conf   *model.Configuration
	cfg    config.Config
}

// NewDocumentConverter builds a converter with the current configuration
// snapshot. The cache may be shared across requests.
func NewDocumentConverter(logger *logrus.Logger, resultCache *cache.Cache) *DocumentConverter {
	conf := model.NewDefaultConfiguration()
	// Strict validation rejects many real-world PDFs that still parse fine.
	conf.ValidationMode = model.ValidationRelaxed
	return &DocumentConverter{
		logger: logger,
		cache:  resultCache,
		conf:   conf,
		cfg:    config.Get(),
	}
}

// Convert parses one PDF and assembles its markdown content.
func (c *DocumentConverter) Convert(ctx context.Context, filePath string, opts ConvertOptions) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat PDF file: %w", err)
	}
	if err := c.cfg.ValidateFileSize(info.Size()); err != nil {
		return nil, err
	}

	// A zero cache TTL turns memoisation off entirely.
	cacheKey := fmt.Sprintf("%s|%d|%d|%s|%s", filePath, info.Size(), info.ModTime().UnixNano(), opts.ImagesDir, opts.MarkdownDir)
	if c.cfg.CacheTTL > 0 {
		if cached, ok := c.cache.Get(cacheKey); ok {
			if doc, ok := cached.(*Document); ok {
				c.logger.WithField("file", filePath).Debug("Conversion served from cache")
				return doc, nil
			}
		}
	}

	pageCount, err := api.PageCountFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"file":  filePath,
		"pages": pageCount,
	}).Debug("Counted PDF pages")

	var extractedImages []string
	if opts.ImagesDir != "" {
		extractedImages = c.extractImages(filePath, opts.ImagesDir)
	}

	pageTexts, metadata := c.extractText(filePath, pageCount)

	doc := &Document{
		PageCount:       pageCount,
		Metadata:        metadata,
		ExtractedImages: extractedImages,
		Content:         c.assembleMarkdown(filePath, opts, pageCount, pageTexts, extractedImages),
	}

	if c.cfg.CacheTTL > 0 {
		c.cache.Set(cacheKey, doc)
	}
	return doc, nil
}

// extractText reads per-page text from the embedded text layer, falling
// back to raw content-stream parsing for pages the text layer cannot
// serve. The second result is the document information dictionary.
func (c *DocumentConverter) extractText(filePath string, pageCount int) (map[int]string, map[string]string) {
	pageTexts := make(map[int]string, pageCount)
	metadata := map[string]string{}

	f, reader, err := pdf.Open(filePath)
	if err != nil {
		c.logger.WithError(err).WithField("file", filePath).Warn("Text layer unavailable, using raw content extraction")
	} else {
		defer func() { _ = f.Close() }()
		metadata = readInfoDictionary(reader)

		fonts := make(map[string]*pdf.Font)
		numPages := reader.NumPage()
		for pageNum := 1; pageNum <= pageCount && pageNum <= numPages; pageNum++ {
			text, pageErr := readPageText(reader, fonts, pageNum)
			if pageErr != nil {
				c.logger.WithError(pageErr).WithFields(logrus.Fields{
					"file": filePath,
					"page": pageNum,
				}).Debug("Text layer read failed for page")
				continue
			}
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				pageTexts[pageNum] = trimmed
			}
		}
	}

	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if _, ok := pageTexts[pageNum]; ok {
			continue
		}
		content, err := c.extractPageContent(filePath, pageNum)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"file": filePath,
				"page": pageNum,
			}).Debug("Raw content extraction failed for page")
			continue
		}
		if processed := c.processPageContent(content); processed != "" {
			pageTexts[pageNum] = processed
		}
	}

	return pageTexts, metadata
}

// readPageText pulls one page's text through the shared fonts cache. The
// underlying parser panics on some malformed documents, so a panic is
// converted into a per-page error.
func readPageText(reader *pdf.Reader, fonts map[string]*pdf.Font, pageNum int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("text layer parser panic: %v", r)
		}
	}()

	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return "", nil
	}
	for _, name := range page.Fonts() {
		if _, ok := fonts[name]; !ok {
			font := page.Font(name)
			fonts[name] = &font
		}
	}
	return page.GetPlainText(fonts)
}

// infoDictKeys are the document information entries surfaced as metadata.
var infoDictKeys = []string{"Title", "Author", "Subject", "Keywords"}

// readInfoDictionary extracts the document information dictionary.
// Missing entries are omitted; a PDF without an Info dictionary yields an
// empty map.
func readInfoDictionary(reader *pdf.Reader) (metadata map[string]string) {
	metadata = map[string]string{}
	// The parser panics on malformed trailers; keep whatever was read.
	defer func() { _ = recover() }()

	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return metadata
	}
	for _, key := range infoDictKeys {
		value := info.Key(key)
		if value.IsNull() {
			continue
		}
		if text := strings.TrimSpace(value.Text()); text != "" {
			metadata[strings.ToLower(key)] = text
		}
	}
	return metadata
}

// extractImages runs pdfcpu image extraction into the shared images
// directory and returns the files this PDF produced, sorted. Attribution
// is by listing the directory before and after, since the directory is
// shared across the whole batch. Extraction failure degrades to a
// warning; text conversion still proceeds.
func (c *DocumentConverter) extractImages(filePath, imagesDir string) []string {
	before, err := listImageFiles(imagesDir)
	if err != nil {
		c.logger.WithError(err).WithField("images_dir", imagesDir).Warn("Failed to read images directory, skipping image extraction")
		return nil
	}

	if err := api.ExtractImagesFile(filePath, imagesDir, nil, c.conf); err != nil {
		c.logger.WithError(err).WithField("file", filePath).Warn("Failed to extract images, continuing without images")
		return nil
	}

	after, err := listImageFiles(imagesDir)
	if err != nil {
		c.logger.WithError(err).WithField("images_dir", imagesDir).Warn("Failed to list extracted images")
		return nil
	}

	var images []string
	for path := range after {
		if _, seen := before[path]; !seen {
			images = append(images, path)
		}
	}
	sort.Strings(images)

	if len(images) > 0 {
		c.logger.WithFields(logrus.Fields{
			"file":        filePath,
			"image_count": len(images),
		}).Debug("Images extracted successfully")
	}
	return images
}

// listImageFiles returns the image files currently in dir, keyed by path.
func listImageFiles(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp":
			files[filepath.Join(dir, entry.Name())] = struct{}{}
		}
	}
	return files, nil
}

// extractPageContent pulls the raw content stream for one page via
// pdfcpu, which writes <base>_Content_page_<n>.txt into a temp directory.
func (c *DocumentConverter) extractPageContent(filePath string, pageNum int) (string, error) {
	tempDir, err := os.MkdirTemp("", "pdfprocessor_text_*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			c.logger.WithError(err).Warn("Failed to clean up temp directory")
		}
	}()

	pageSelection := []string{strconv.Itoa(pageNum)}
	if err := api.ExtractContentFile(filePath, tempDir, pageSelection, c.conf); err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	contentFile := filepath.Join(tempDir, fmt.Sprintf("%s_Content_page_%d.txt", baseName, pageNum))
	contentBytes, err := os.ReadFile(contentFile)
	if err != nil {
		return "", fmt.Errorf("failed to read content file: %w", err)
	}
	return string(contentBytes), nil
}

// processPageContent turns a raw content stream into readable text.
// Returns "" when nothing readable was found.
func (c *DocumentConverter) processPageContent(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	extractedTexts := c.extractAllTextFromContent(content)
	if len(extractedTexts) == 0 {
		return c.extractReadableText(content)
	}

	return c.cleanupExtractedText(strings.Join(extractedTexts, " "))
}

// extractAllTextFromContent collects the operands of text show operations
// (Tj, TJ, ', ") from a raw content stream.
func (c *DocumentConverter) extractAllTextFromContent(content string) []string {
	var texts []string
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, " Tj") || strings.Contains(line, " TJ") ||
			strings.Contains(line, "' ") || strings.Contains(line, "\" ") {
			for _, text := range c.ExtractTextFromOperation(line) {
				if text != "" {
					texts = append(texts, text)
				}
			}
		}
	}
	return texts
}

// ExtractTextFromOperation extracts the parenthesised string operands
// from one content-stream operation line, undoing basic PDF escapes.
func (c *DocumentConverter) ExtractTextFromOperation(operation string) []string {
	var texts []string
	inText := false
	start := -1

	for i, char := range operation {
		if char == '(' && (i == 0 || operation[i-1] != '\\') {
			inText = true
			start = i + 1
		} else if char == ')' && inText && (i == 0 || operation[i-1] != '\\') {
			if start != -1 && start < i {
				text := operation[start:i]
				text = strings.ReplaceAll(text, "\\(", "(")
				text = strings.ReplaceAll(text, "\\)", ")")
				text = strings.ReplaceAll(text, "\\\\", "\\")
				text = strings.ReplaceAll(text, "\\n", "\n")
				text = strings.ReplaceAll(text, "\\r", "\r")
				text = strings.ReplaceAll(text, "\\t", "\t")
				if strings.TrimSpace(text) != "" {
					texts = append(texts, text)
				}
			}
			inText = false
			start = -1
		}
	}

	return texts
}

// extractReadableText is the fallback for content streams without
// recognisable text show operations: keep lines that look like prose and
// drop operators and coordinate data.
func (c *DocumentConverter) extractReadableText(content string) string {
	var readableLines []string
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isContentStreamCommand(line) {
			continue
		}
		if isReadableText(line) {
			readableLines = append(readableLines, line)
		}
	}
	if len(readableLines) == 0 {
		return ""
	}
	return c.cleanupExtractedText(strings.Join(readableLines, " "))
}

// contentStreamOperators are the operators a content stream line may end
// with when it carries no text.
var contentStreamOperators = []string{
	"BT", "ET", "Tf", "Td", "TD", "Tm", "T*", "Tj", "TJ", "'", "\"",
	"q", "Q", "cm", "w", "J", "j", "M", "d", "ri", "i", "gs",
	"CS", "cs", "SC", "SCN", "sc", "scn", "G", "g", "RG", "rg", "K", "k",
	"m", "l", "c", "v", "y", "h", "re", "S", "s", "f", "F", "f*", "B", "B*", "b", "b*", "n",
	"W", "W*", "BX", "EX", "MP", "DP", "BMC", "BDC", "EMC",
}

func isContentStreamCommand(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}

	lastWord := words[len(words)-1]
	for _, op := range contentStreamOperators {
		if lastWord == op {
			return true
		}
	}

	// Lines that are mostly numbers are coordinate or matrix data.
	nonNumericCount := 0
	for _, word := range words {
		if _, err := strconv.ParseFloat(word, 64); err != nil {
			nonNumericCount++
		}
	}
	return float64(nonNumericCount)/float64(len(words)) < 0.3
}

func isReadableText(line string) bool {
	if len(line) < 2 {
		return false
	}
	alphaCount := 0
	for _, char := range line {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			alphaCount++
		}
	}
	return float64(alphaCount)/float64(len(line)) >= 0.3
}

// cleanupExtractedText normalises text recovered from a content stream:
// octal escapes, control characters and whitespace runs.
func (c *DocumentConverter) cleanupExtractedText(text string) string {
	text = strings.TrimSpace(text)
	text = c.processOctalEscapes(text)
	text = c.removeBinaryCharacters(text)

	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", " ")
	}

	text = strings.ReplaceAll(text, " .", ".")
	text = strings.ReplaceAll(text, " ,", ",")
	text = strings.ReplaceAll(text, " !", "!")
	text = strings.ReplaceAll(text, " ?", "?")

	return text
}

// processOctalEscapes converts the octal escape sequences commonly seen
// in content streams; unrecognised three-digit sequences are dropped.
func (c *DocumentConverter) processOctalEscapes(text string) string {
	replacements := map[string]string{
		"\\037": "",
		"\\260": "°",
		"\\256": "®",
		"\\251": "©",
		"\\231": "’",
		"\\221": "‘",
		"\\223": "“",
		"\\224": "”",
		"\\226": "–",
		"\\227": "—",
		"\\240": " ",
		"\\012": "\n",
		"\\015": "\r",
		"\\011": "\t",
	}
	for octal, replacement := range replacements {
		text = strings.ReplaceAll(text, octal, replacement)
	}

	result := strings.Builder{}
	i := 0
	for i < len(text) {
		if i < len(text)-3 && text[i] == '\\' &&
			text[i+1] >= '0' && text[i+1] <= '7' &&
			text[i+2] >= '0' && text[i+2] <= '7' &&
			text[i+3] >= '0' && text[i+3] <= '7' {
			i += 4
		} else {
			result.WriteByte(text[i])
			i++
		}
	}
	return result.String()
}

// removeBinaryCharacters keeps printable and common typographic
// characters, replaces control characters with spaces and drops the rest.
func (c *DocumentConverter) removeBinaryCharacters(text string) string {
	result := strings.Builder{}
	for _, char := range text {
		if (char >= 32 && char <= 126) ||
			char == '\n' || char == '\r' || char == '\t' ||
			(char >= 0x00A0 && char <= 0x00FF) ||
			(char >= 0x2000 && char <= 0x206F) {
			result.WriteRune(char)
		} else if char < 32 {
			result.WriteRune(' ')
		}
	}
	return result.String()
}

// assembleMarkdown renders the document: a title from the file stem, a
// provenance line, one section per page and references to that page's
// extracted images. The result is NFC-normalised.
func (c *DocumentConverter) assembleMarkdown(filePath string, opts ConvertOptions, pageCount int, pageTexts map[int]string, extractedImages []string) string {
	baseName := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))

	var content strings.Builder
	content.WriteString(fmt.Sprintf("# %s\n\n", baseName))
	content.WriteString(fmt.Sprintf("*Extracted from: %s*\n\n", filepath.Base(filePath)))

	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		content.WriteString(fmt.Sprintf("## Page %d\n\n", pageNum))

		if text, ok := pageTexts[pageNum]; ok {
			content.WriteString(text)
			content.WriteString("\n\n")
		} else {
			content.WriteString("*No text content found on this page*\n\n")
		}

		for _, imagePath := range imagesForPage(extractedImages, pageNum) {
			ref := imagePath
			if opts.MarkdownDir != "" {
				if rel, err := filepath.Rel(opts.MarkdownDir, imagePath); err == nil {
					ref = rel
				}
			}
			content.WriteString(fmt.Sprintf("![Image from page %d](%s)\n\n", pageNum, ref))
		}
	}

	return norm.NFC.String(content.String())
}

// imagesForPage filters extracted image paths down to one page, relying
// on the _page_<n>_ fragment pdfcpu puts in generated file names.
func imagesForPage(allImages []string, pageNum int) []string {
	var pageImages []string
	pageFragment := fmt.Sprintf("_page_%d_", pageNum)
	for _, imagePath := range allImages {
		if strings.Contains(filepath.Base(imagePath), pageFragment) {
			pageImages = append(pageImages, imagePath)
		}
	}
	return pageImages
}
