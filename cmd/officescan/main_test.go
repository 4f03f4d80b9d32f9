package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/office-analysis/office-analysis-go/internal/structure"
)

func writeDocx(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "report.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p>hello</w:p></w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStructureCommand(t *testing.T) {
	path := writeDocx(t, t.TempDir())

	out, err := execute(t, "structure", path)
	require.NoError(t, err)

	var paths []string
	require.NoError(t, json.Unmarshal([]byte(out), &paths))
	assert.Contains(t, paths, `word\document.xml\w:document\w:body\w:p`)
}

func TestSieveCommand(t *testing.T) {
	path := writeDocx(t, t.TempDir())

	out, err := execute(t, "sieve", path)
	require.NoError(t, err)

	var result structure.SieveResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Suspicious)
}

func TestContentCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeDocx(t, dir)
	outDir := t.TempDir()

	out, err := execute(t, "content", "--out-dir", outDir, path)
	require.NoError(t, err)

	outFile := filepath.Join(outDir, "extracted_report.docx.json")
	assert.Contains(t, out, outFile)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var tree map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &tree))
	assert.Contains(t, tree, "word")
}

func TestBatchCommand(t *testing.T) {
	inbound := t.TempDir()
	writeDocx(t, inbound)
	require.NoError(t, os.WriteFile(filepath.Join(inbound, "notes.txt"), []byte("plain"), 0644))
	output := filepath.Join(t.TempDir(), "results.jsonl")

	out, err := execute(t, "batch", "--no-classify", "-w", "2", "-o", output, inbound)
	require.NoError(t, err)

	var summary struct {
		Total int `json:"total"`
		Clean int `json:"clean"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Clean)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestStructureCommand_RequiresFile(t *testing.T) {
	_, err := execute(t, "structure")
	assert.Error(t, err)
}
