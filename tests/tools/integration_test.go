package tools

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/awels/mcp-pdf-processor/internal/tools/pdfprocessor"
	"github.com/awels/mcp-pdf-processor/tests/testutils"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// TestConvertPDF_ActualIntegration converts a real-world PDF supplied via
// PDF_PROCESSOR_TEST_PDF. Generated fixtures cover the structural cases;
// this covers the messy documents real scanners and exporters produce.
func TestConvertPDF_ActualIntegration(t *testing.T) {
	projectRoot, err := findProjectRootIntegration()
	require.NoError(t, err, "Failed to find project root")

	// if the environment variable TEST_FAST is set, skip this test
	if os.Getenv("TEST_FAST") != "" {
		t.Skip("Skipping PDF integration test: TEST_FAST environment variable is set")
	}

	envPath := filepath.Join(projectRoot, ".env")
	if _, err := os.Stat(envPath); err == nil {
		require.NoError(t, godotenv.Load(envPath), "Failed to load .env file")
	}

	samplePDF := os.Getenv("PDF_PROCESSOR_TEST_PDF")
	if samplePDF == "" {
		t.Skip("Skipping PDF integration test: PDF_PROCESSOR_TEST_PDF not configured")
	}
	if _, err := os.Stat(samplePDF); err != nil {
		t.Skipf("Skipping PDF integration test: cannot read %s: %v", samplePDF, err)
	}

	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", filepath.Join(t.TempDir(), "state.json"))

	dir := t.TempDir()
	staged := filepath.Join(dir, filepath.Base(samplePDF))
	testutils.CopyFile(t, samplePDF, staged)

	mdDir := filepath.Join(t.TempDir(), "markdown")
	imagesDir := filepath.Join(t.TempDir(), "images")

	tool := &pdfprocessor.BatchTool{}
	result, err := tool.Execute(t.Context(), testutils.CreateTestLogger(), testutils.CreateTestCache(), map[string]any{
		"directory":            dir,
		"markdown_output_path": mdDir,
		"images_dir":           imagesDir,
	})
	require.NoError(t, err, "Execute failed")

	var payload pdfprocessor.BatchResult
	require.NoError(t, json.Unmarshal([]byte(getTextContent(t, result)), &payload))

	require.Equal(t, 1, payload.Summary.TotalFiles)
	require.Equal(t, 1, payload.Summary.Successful, "real-world PDF should convert cleanly")
	require.Zero(t, payload.Summary.Failed)

	fileResult, ok := payload.Files[staged]
	require.True(t, ok, "result must be keyed by the staged absolute path")
	require.True(t, fileResult.Succeeded())

	success := fileResult.Success()
	require.Positive(t, success.PageCount)
	require.NotEmpty(t, success.Content)

	written, err := os.ReadFile(success.MarkdownFile)
	require.NoError(t, err, "markdown file must be written")
	require.Equal(t, success.Content, string(written))

	t.Logf("Converted %s: %d page(s), %d image(s) extracted",
		success.Filename, success.PageCount, len(success.ExtractedImages))
}

// Helper function to find the project root directory
func findProjectRootIntegration() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up the directory tree looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		dir = parent
	}

	return "", os.ErrNotExist
}
