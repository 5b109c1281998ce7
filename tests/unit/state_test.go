package unit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/awels/mcp-pdf-processor/internal/config"
	"github.com/awels/mcp-pdf-processor/tests/testutils"
)

func TestState_RecordBatchPersists(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", statePath)

	state := &config.StateFile{}
	err := state.RecordBatch("run-1", 3, 1, 12, 4, 1500*time.Millisecond)
	testutils.AssertNoError(t, err)

	data, err := os.ReadFile(statePath)
	testutils.AssertNoError(t, err)

	var persisted config.StateFile
	testutils.AssertNoError(t, json.Unmarshal(data, &persisted))
	testutils.AssertEqual(t, int64(1), persisted.TotalBatches)
	testutils.AssertEqual(t, int64(3), persisted.TotalFiles)
	testutils.AssertEqual(t, int64(1), persisted.TotalFailed)
	testutils.AssertEqual(t, int64(12), persisted.TotalPages)
	testutils.AssertEqual(t, int64(4), persisted.TotalImages)
	testutils.AssertEqual(t, "run-1", persisted.LastRunID)
	testutils.AssertEqual(t, "1.5s", persisted.LastRunDuration)
	testutils.AssertTrue(t, persisted.LastRunAt > 0)
}

func TestState_CountersAccumulate(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", statePath)

	state := &config.StateFile{}
	testutils.AssertNoError(t, state.RecordBatch("run-1", 2, 0, 5, 0, time.Second))
	testutils.AssertNoError(t, state.RecordBatch("run-2", 3, 1, 7, 2, time.Second))

	testutils.AssertEqual(t, int64(2), state.TotalBatches)
	testutils.AssertEqual(t, int64(5), state.TotalFiles)
	testutils.AssertEqual(t, int64(1), state.TotalFailed)
	testutils.AssertEqual(t, int64(12), state.TotalPages)
	testutils.AssertEqual(t, int64(2), state.TotalImages)
	testutils.AssertEqual(t, "run-2", state.LastRunID)
}

func TestState_SaveCreatesDirectory(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	t.Setenv("MCP_PDF_PROCESSOR_STATE_PATH", statePath)

	state := &config.StateFile{}
	testutils.AssertNoError(t, state.Save())

	_, err := os.Stat(statePath)
	testutils.AssertNoError(t, err)
}

func TestState_GlobalSingleton(t *testing.T) {
	first := config.GetGlobalState()
	second := config.GetGlobalState()

	testutils.AssertNotNil(t, first)
	if first != second {
		t.Error("GetGlobalState must return the same instance")
	}
}
