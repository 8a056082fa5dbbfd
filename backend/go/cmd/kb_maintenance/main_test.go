package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"procurement-kb/backend/go/internal/kb/normcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "document_id": "doc-1",
  "title": "ETP - Aquisição de notebooks",
  "source_type": "etp",
  "metadata": {"orgao": "TCU"},
  "fragments": [
    {"chunk_id": "doc-1-a", "section_type": "objeto", "content": "Aquisição de notebooks", "citations": {"laws": ["Lei 14.133/2021"]}},
    {"chunk_id": "doc-1-b", "section_type": "requisitos", "content": "Processador de 8 núcleos", "page_number": 2},
    {"chunk_id": "doc-1-c", "section_type": "estimativa", "content": "Pesquisa de preços"}
  ]
}`

// execute 每次都构建新的命令树，和真实进程一样从默认 flag 开始。
func execute(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(args...)
	require.NoError(t, err, "kb_maintenance %v", args)
	return out
}

func writeConfig(t *testing.T, dir, ollamaURL, extra string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
logger:
  level: error
embedding:
  provider: ollama
  model: nomic-embed-text
  baseURL: `+ollamaURL+`
vectorIndex:
  backend: sqvect
  path: `+filepath.Join(dir, "vectors.db")+`
`+extra), 0o644))
	t.Setenv("DATABASE_URL", "sqlite:///"+filepath.Join(dir, "kb.db"))
	return cfgPath
}

func TestCLI_IngestAndSync(t *testing.T) {
	var calls atomic.Int32
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer ollama.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, ollama.URL, "")

	docPath := filepath.Join(dir, "doc-1.json")
	require.NoError(t, os.WriteFile(docPath, []byte(sampleDocument), 0o644))

	run(t, "--config", cfgPath, "migrate")
	out := run(t, "--config", cfgPath, "ingest", docPath)
	assert.Contains(t, out, "doc-1: 3 fragments")

	out = run(t, "--config", cfgPath, "sync-embeddings", "--dry-run")
	assert.Contains(t, out, "3 fragments pending")
	assert.Zero(t, calls.Load(), "dry run embeds nothing")

	out = run(t, "--config", cfgPath, "sync-embeddings")
	assert.Contains(t, out, "embedded=3 failed=0")
	assert.EqualValues(t, 3, calls.Load())

	out = run(t, "--config", cfgPath, "sync-embeddings")
	assert.Contains(t, out, "already=3 embedded=0")
	assert.EqualValues(t, 3, calls.Load(), "second run makes no provider calls")

	out = run(t, "--config", cfgPath, "delete-document", "doc-1")
	assert.Contains(t, out, "doc-1 deleted with 3 fragments")
}

func TestCLI_FlagsDoNotLeakBetweenRuns(t *testing.T) {
	syncCmd, _, err := newRootCmd().Find([]string{"sync-embeddings"})
	require.NoError(t, err)
	require.NoError(t, syncCmd.ParseFlags([]string{"--dry-run", "--batch-limit", "2"}))
	assert.True(t, syncCmd.Flags().Changed("dry-run"))

	syncCmd, _, err = newRootCmd().Find([]string{"sync-embeddings"})
	require.NoError(t, err)
	assert.False(t, syncCmd.Flags().Changed("dry-run"))
	dryRun, err := syncCmd.Flags().GetBool("dry-run")
	require.NoError(t, err)
	assert.False(t, dryRun)
	limit, err := syncCmd.Flags().GetInt("batch-limit")
	require.NoError(t, err)
	assert.Zero(t, limit)
}

func TestCLI_SyncFailsWhenRedisIsDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1", `
databases:
  redis:
    address: 127.0.0.1:1
sync:
  useLock: true
`)
	run(t, "--config", cfgPath, "migrate")

	_, err := execute("--config", cfgPath, "sync-embeddings")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis")

	// 失败路径已经关闭了向量索引，之后的运行可以重新打开它
	out := run(t, "--config", cfgPath, "sync-embeddings", "--dry-run")
	assert.Contains(t, out, "0 fragments pending")
}

func TestDocumentFile_ToModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o644))
	file, err := readDocumentFile(path)
	require.NoError(t, err)

	doc, frags, err := file.toModels()
	require.NoError(t, err)
	assert.Equal(t, "TCU", doc.Metadata()["orgao"])
	require.Len(t, frags, 3)
	assert.Equal(t, []interface{}{"Lei 14.133/2021"}, frags[0].Citations()["laws"])
	require.NotNil(t, frags[1].PageNumber)
	assert.Equal(t, 2, *frags[1].PageNumber)

	_, _, err = (&documentFile{}).toModels()
	assert.Error(t, err)
}

func TestParseRefresh(t *testing.T) {
	for in, want := range map[string]normcache.Refresh{
		"never":      normcache.RefreshNever,
		"sync":       normcache.RefreshSync,
		"":           normcache.RefreshSync,
		"background": normcache.RefreshBackground,
	} {
		got, err := parseRefresh(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseRefresh("always")
	assert.Error(t, err)
}
