package tools_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	pdfcli "github.com/awels/mcp-pdf-processor/internal/cli"
	"github.com/awels/mcp-pdf-processor/internal/registry"
	"github.com/awels/mcp-pdf-processor/tests/testutils"
	"github.com/mark3labs/mcp-go/mcp"
)

// setupCLIRegistry initialises the registry for CLI tests. convert_pdf
// registers itself when the cli package is imported; the mock covers the
// generic argument plumbing.
func setupCLIRegistry(t *testing.T) {
	t.Helper()
	registry.Init(testutils.CreateTestLogger())
	registry.Register(testutils.NewMockTool("mock_tool"))
}

// newTestRunner creates a CLI runner for tests.
func newTestRunner(output pdfcli.OutputFormat) *pdfcli.Runner {
	return pdfcli.NewRunner(testutils.CreateTestLogger(), testutils.CreateTestCache(), output)
}

// captureStdout captures stdout during f() and returns the output.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	os.Stdout = w

	var buf bytes.Buffer
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = buf.ReadFrom(r)
	})

	f()

	w.Close()
	os.Stdout = old
	wg.Wait()

	return buf.String()
}

// captureStderr captures stderr during f() and returns the output.
func captureStderr(t *testing.T, f func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	os.Stderr = w

	var buf bytes.Buffer
	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = buf.ReadFrom(r)
	})

	f()

	w.Close()
	os.Stderr = old
	wg.Wait()

	return buf.String()
}

func TestCLI_ListTools(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.ListTools(); err != nil {
			t.Fatalf("ListTools error: %v", err)
		}
	})

	if !strings.Contains(output, "convert_pdf") {
		t.Errorf("expected output to contain 'convert_pdf', got: %s", output)
	}
}

func TestCLI_ListTools_JSON(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputJSON)

	output := captureStdout(t, func() {
		if err := runner.ListTools(); err != nil {
			t.Fatalf("ListTools error: %v", err)
		}
	})

	var tools []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(output), &tools); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v\noutput: %s", err, output)
	}

	found := false
	for _, tool := range tools {
		if tool.Name == "convert_pdf" {
			found = true
			if tool.Description == "" {
				t.Error("expected a description for convert_pdf")
			}
			break
		}
	}
	if !found {
		t.Error("expected 'convert_pdf' in tool list")
	}
}

func TestCLI_HelpTool(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.HelpTool("convert_pdf"); err != nil {
			t.Fatalf("HelpTool error: %v", err)
		}
	})

	if !strings.Contains(output, "Tool: convert_pdf") {
		t.Errorf("expected 'Tool: convert_pdf' in help output, got: %s", output)
	}
	if !strings.Contains(output, "Parameters:") {
		t.Errorf("expected 'Parameters:' in help output, got: %s", output)
	}
	if !strings.Contains(output, "--directory") || !strings.Contains(output, "(required)") {
		t.Errorf("expected required --directory flag in help output, got: %s", output)
	}
	// snake_case parameters surface as kebab-case flags
	if !strings.Contains(output, "--markdown-output-path") {
		t.Errorf("expected '--markdown-output-path' in help output, got: %s", output)
	}
}

func TestCLI_HelpTool_KebabName(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.HelpTool("convert-pdf"); err != nil {
			t.Fatalf("HelpTool error: %v", err)
		}
	})

	if !strings.Contains(output, "Tool: convert_pdf") {
		t.Errorf("expected kebab-case lookup to resolve, got: %s", output)
	}
}

func TestCLI_HelpTool_Unknown(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)
	err := runner.HelpTool("nonexistent-tool")
	testutils.AssertError(t, err)
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("expected 'unknown tool' in error, got: %s", err)
	}
}

func TestCLI_HelpTool_JSON(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputJSON)

	output := captureStdout(t, func() {
		if err := runner.HelpTool("convert_pdf"); err != nil {
			t.Fatalf("HelpTool error: %v", err)
		}
	})

	var tool mcp.Tool
	if err := json.Unmarshal([]byte(output), &tool); err != nil {
		t.Fatalf("expected valid JSON tool definition, got error: %v", err)
	}
	if tool.Name != "convert_pdf" {
		t.Errorf("expected tool name 'convert_pdf', got: %s", tool.Name)
	}
}

func TestCLI_RunTool_JSONArgs(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.RunTool(t.Context(), "mock_tool", []string{`{"input": "hello"}`}); err != nil {
			t.Fatalf("RunTool error: %v", err)
		}
	})

	if !strings.Contains(output, "mock result") {
		t.Errorf("expected mock result, got: %s", output)
	}
}

func TestCLI_RunTool_FlagArgs(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.RunTool(t.Context(), "mock_tool", []string{"--input=hello"}); err != nil {
			t.Fatalf("RunTool error: %v", err)
		}
	})

	if !strings.Contains(output, "mock result") {
		t.Errorf("expected mock result, got: %s", output)
	}
}

func TestCLI_RunTool_FlagWithSpace(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)

	output := captureStdout(t, func() {
		if err := runner.RunTool(t.Context(), "mock_tool", []string{"--input", "hello there"}); err != nil {
			t.Fatalf("RunTool error: %v", err)
		}
	})

	if !strings.Contains(output, "mock result") {
		t.Errorf("expected mock result, got: %s", output)
	}
}

func TestCLI_RunTool_UnknownTool(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)
	err := runner.RunTool(t.Context(), "nonexistent", []string{})
	testutils.AssertError(t, err)
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("expected 'unknown tool' in error, got: %s", err)
	}
}

func TestCLI_RunTool_InvalidJSON(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)
	err := runner.RunTool(t.Context(), "mock_tool", []string{`{invalid json}`})
	testutils.AssertError(t, err)
	if !strings.Contains(err.Error(), "argument error") {
		t.Errorf("expected 'argument error' in error, got: %s", err)
	}
}

func TestCLI_RunTool_MissingFlagValue(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)
	err := runner.RunTool(t.Context(), "mock_tool", []string{"--input"})
	testutils.AssertError(t, err)
	if !strings.Contains(err.Error(), "requires a value") {
		t.Errorf("expected 'requires a value' in error, got: %s", err)
	}
}

func TestCLI_RunTool_UnexpectedArg(t *testing.T) {
	setupCLIRegistry(t)
	runner := newTestRunner(pdfcli.OutputText)
	err := runner.RunTool(t.Context(), "mock_tool", []string{"bareword"})
	testutils.AssertError(t, err)
	if !strings.Contains(err.Error(), "unexpected argument") {
		t.Errorf("expected 'unexpected argument' in error, got: %s", err)
	}
}

func TestCLI_RunTool_ConvertPDF(t *testing.T) {
	setupCLIRegistry(t)
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", filepath.Join(t.TempDir(), "state.json"))
	runner := newTestRunner(pdfcli.OutputText)

	dir := t.TempDir()
	testutils.WriteTestPDF(t, filepath.Join(dir, "doc.pdf"), "CLI conversion test")
	mdDir := filepath.Join(t.TempDir(), "markdown")

	// Kebab-case flags must reach the snake_case parameters, and the string
	// "false" must coerce to a boolean for the recursive parameter.
	output := captureStdout(t, func() {
		err := runner.RunTool(t.Context(), "convert-pdf", []string{
			"--directory", dir,
			"--recursive=false",
			"--markdown-output-path=" + mdDir,
		})
		if err != nil {
			t.Fatalf("RunTool error: %v", err)
		}
	})

	var payload struct {
		Summary struct {
			TotalFiles int `json:"total_files"`
			Successful int `json:"successful"`
			Failed     int `json:"failed"`
		} `json:"summary"`
	}
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		t.Fatalf("expected JSON batch result, got error: %v\noutput: %s", err, output)
	}
	if payload.Summary.TotalFiles != 1 || payload.Summary.Successful != 1 {
		t.Errorf("unexpected summary: %+v", payload.Summary)
	}
	if _, err := os.Stat(filepath.Join(mdDir, "doc.md")); err != nil {
		t.Errorf("expected markdown file from CLI run: %v", err)
	}
}

func TestCLI_RunBatch(t *testing.T) {
	setupCLIRegistry(t)
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", filepath.Join(t.TempDir(), "state.json"))
	runner := newTestRunner(pdfcli.OutputText)

	dir := t.TempDir()
	testutils.WriteTestPDF(t, filepath.Join(dir, "batch.pdf"), "Batch run")

	output := captureStdout(t, func() {
		if err := runner.RunBatch(t.Context(), map[string]any{"directory": dir}, true); err != nil {
			t.Fatalf("RunBatch error: %v", err)
		}
	})

	var payload map[string]any
	if err := json.Unmarshal([]byte(output), &payload); err != nil {
		t.Fatalf("stdout must be valid JSON: %v\noutput: %s", err, output)
	}
	if _, ok := payload["summary"]; !ok {
		t.Errorf("expected summary in payload: %v", payload)
	}
}

func TestCLI_RunBatch_RequestErrorExitsNonZero(t *testing.T) {
	setupCLIRegistry(t)
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", filepath.Join(t.TempDir(), "state.json"))
	runner := newTestRunner(pdfcli.OutputText)

	missing := filepath.Join(t.TempDir(), "missing")
	var runErr error
	output := captureStdout(t, func() {
		runErr = runner.RunBatch(t.Context(), map[string]any{"directory": missing}, true)
	})

	testutils.AssertErrorContains(t, runErr, "Directory not found")
	// The JSON error payload is still printed for scripting.
	if !strings.Contains(output, "Directory not found") {
		t.Errorf("expected error payload on stdout, got: %s", output)
	}
}

func TestCLI_RunBatch_SummaryOnStderr(t *testing.T) {
	setupCLIRegistry(t)
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", filepath.Join(t.TempDir(), "state.json"))
	runner := newTestRunner(pdfcli.OutputText)

	dir := t.TempDir()
	testutils.WriteTestPDF(t, filepath.Join(dir, "fine.pdf"), "Readable")
	testutils.WriteCorruptPDF(t, filepath.Join(dir, "corrupt.pdf"))

	var stdout string
	stderr := captureStderr(t, func() {
		stdout = captureStdout(t, func() {
			if err := runner.RunBatch(t.Context(), map[string]any{"directory": dir}, false); err != nil {
				t.Fatalf("RunBatch error: %v", err)
			}
		})
	})

	if !strings.Contains(stderr, "Processed") || !strings.Contains(stderr, "converted") {
		t.Errorf("expected human summary on stderr, got: %s", stderr)
	}
	if !strings.Contains(stderr, "corrupt.pdf") {
		t.Errorf("expected the failed file to be listed on stderr, got: %s", stderr)
	}
	if strings.Contains(stdout, "Processed") {
		t.Error("the human summary must not contaminate the JSON on stdout")
	}
}
