package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStreamLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent_stream.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestRead_FormatTails(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"assistant","n":%d}`, i))
	}
	path := writeStreamLog(t, lines...)

	full, err := Read(path, Options{Format: FormatFull})
	require.NoError(t, err)
	assert.Len(t, full.Lines, 100)
	assert.False(t, full.Truncated)

	recent, err := Read(path, Options{Format: FormatRecent})
	require.NoError(t, err)
	assert.Len(t, recent.Lines, 50)
	assert.True(t, recent.Truncated)
	assert.Contains(t, recent.Lines[len(recent.Lines)-1], `"n":99`)

	summary, err := Read(path, Options{Format: FormatSummary})
	require.NoError(t, err)
	assert.Len(t, summary.Lines, 10)

	_, err = Read(path, Options{Format: "bogus"})
	assert.Error(t, err)
}

func TestRead_ToolResultContentCapped(t *testing.T) {
	big := strings.Repeat("output line ", 500)
	event := map[string]any{"type": "tool_result", "content": big}
	data, _ := json.Marshal(event)
	path := writeStreamLog(t, string(data))

	res, err := Read(path, Options{Format: FormatFull})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Contains(t, res.Lines[0], "chars omitted")
	assert.Less(t, len(res.Lines[0]), len(big))
}

func TestRead_BinaryContentReplaced(t *testing.T) {
	binary := strings.Repeat("\x00\x01\x02\x7f", 100)
	event := map[string]any{"type": "tool_result", "content": binary}
	data, _ := json.Marshal(event)
	path := writeStreamLog(t, string(data))

	res, err := Read(path, Options{Format: FormatFull})
	require.NoError(t, err)
	assert.Contains(t, res.Lines[0], "[binary content:")
}

func TestRead_MaxBytesSampling(t *testing.T) {
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"assistant","seq":%03d}`, i))
	}
	path := writeStreamLog(t, lines...)

	res, err := Read(path, Options{Format: FormatFull, MaxBytes: 2000})
	require.NoError(t, err)
	assert.True(t, res.Truncated)

	joined := strings.Join(res.Lines, "\n")
	assert.LessOrEqual(t, len(joined), 2000+200) // marker line allowance
	assert.Contains(t, joined, `"seq":000`)
	assert.Contains(t, joined, `"seq":199`)
	assert.Contains(t, joined, "lines_omitted")
}

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		event map[string]any
		want  string
	}{
		{map[string]any{"type": "assistant"}, "assistant"},
		{map[string]any{"type": "tool_call"}, "tool_call"},
		{map[string]any{"type": "result"}, "result"},
		{map[string]any{"tool_use_id": "x"}, "tool_result"},
		{map[string]any{"unknown": true}, "system"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyEvent(tt.event))
	}
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary("plain text with\nnewlines\tand tabs"))
	assert.True(t, IsBinary("\x00\x01\x02\x03\x04\x05"))
	assert.False(t, IsBinary(""))
}

func sampleCoordination(findings, progress, agents int) map[string]any {
	info := map[string]any{"task_id": "TASK-X", "success": true}
	var f []any
	for i := 0; i < findings; i++ {
		f = append(f, map[string]any{"message": fmt.Sprintf("finding %d", i)})
	}
	info["recent_findings"] = f
	var p []any
	for i := 0; i < progress; i++ {
		p = append(p, map[string]any{"message": fmt.Sprintf("progress %d", i)})
	}
	info["recent_progress"] = p
	var a []any
	for i := 0; i < agents; i++ {
		a = append(a, map[string]any{"id": fmt.Sprintf("agent-%d", i)})
	}
	info["agents"] = a
	return info
}

func TestTruncateCoordination_CapsAndMarker(t *testing.T) {
	info := sampleCoordination(10, 12, 5)
	out := TruncateCoordination(info)

	assert.Len(t, out["recent_findings"], 3)
	assert.Len(t, out["recent_progress"], 5)
	assert.Len(t, out["agents"], 2)
	assert.Equal(t, 5, out["agent_count"])
	assert.Equal(t, true, out[TruncatedMarker])

	// Top-level keys preserved.
	assert.Equal(t, "TASK-X", out["task_id"])
	assert.Equal(t, true, out["success"])

	// Most recent findings kept.
	kept := out["recent_findings"].([]any)
	assert.Equal(t, "finding 9", kept[2].(map[string]any)["message"])
}

// Truncation roundtrip property: idempotent, and the marker appears iff
// something was removed.
func TestTruncateCoordination_Idempotent(t *testing.T) {
	info := sampleCoordination(10, 12, 5)
	once := TruncateCoordination(info)
	twice := TruncateCoordination(once)
	assert.Equal(t, once, twice)
}

func TestTruncateCoordination_NoMarkerWhenNothingRemoved(t *testing.T) {
	info := sampleCoordination(2, 3, 1)
	out := TruncateCoordination(info)
	_, present := out[TruncatedMarker]
	assert.False(t, present)
	assert.Equal(t, info["recent_findings"], out["recent_findings"])
}
