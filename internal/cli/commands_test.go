package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/search"
)

const testConfig = `storage:
  database_path: ./data/records.db
  index_path: ./data/vectors.psvi
  mapping_path: ./data/mapping.db
  bleve_index_path: ./data/bleve
index:
  dimensions: 4
encoder:
  type: mock
ingest:
  batch_size: 2
`

func writeTestConfig(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0644))
	return dir, path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const testBatch = `{"id":"a","embedding":[1,0,0,0],"record":{"paper_id":"p1","section_name":"abstract","title":"Alpha","text_content":"graph neural networks"}}
{"id":"b","embedding":[0,1,0,0],"record":{"paper_id":"p2","section_name":"abstract","title":"Beta","text_content":"protein folding"}}
{"id":"c","embedding":[1,2],"record":{"paper_id":"p3","section_name":"abstract","text_content":"too short"}}
`

func TestCommands_Lifecycle(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	batch := filepath.Join(dir, "batch.jsonl")
	require.NoError(t, os.WriteFile(batch, []byte(testBatch), 0644))

	out, err := run(t, cfgPath, "ingest", batch)
	assert.ErrorIs(t, err, errPartial)
	assert.Contains(t, out, "inserted 2, replaced 0, rejected 1")
	assert.Contains(t, out, `rejected "c"`)

	out, err = run(t, cfgPath, "search", "--vector", "1,0,0,0", "-k", "1", "-o", "compact")
	require.NoError(t, err)
	assert.Equal(t, "1\t1.0000\ta\tAlpha\n", out)

	out, err = run(t, cfgPath, "search", "--mode", "hybrid", "-o", "json", "graph", "neural")
	require.NoError(t, err)
	var response models.SearchResponse
	require.NoError(t, gojson.Unmarshal([]byte(out), &response))
	var alpha *models.SearchResult
	for _, r := range response.Results {
		if r.ID == "a" {
			alpha = r
		}
	}
	require.NotNil(t, alpha, "keyword match must be fused into the results")
	assert.Equal(t, 1.0, alpha.KeywordScore)

	out, err = run(t, cfgPath, "status", "-o", "json")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, gojson.Unmarshal([]byte(out), &status))
	assert.Equal(t, "flat", status.VectorIndexType)
	assert.EqualValues(t, 2, status.Stats.Records)
	assert.Equal(t, 2, status.Stats.Vectors)
	assert.Equal(t, 2, status.Stats.Bindings)

	out, err = run(t, cfgPath, "delete", "a", "zzz")
	assert.ErrorIs(t, err, errPartial)
	assert.Contains(t, out, "deleted 1")
	assert.Contains(t, out, "not found: zzz")

	out, err = run(t, cfgPath, "compact")
	require.NoError(t, err)
	assert.Equal(t, "reclaimed 1 rows\n", out)

	out, err = run(t, cfgPath, "reconcile", "-o", "json")
	require.NoError(t, err)
	var report models.ReconcileReport
	require.NoError(t, gojson.Unmarshal([]byte(out), &report))
	assert.Equal(t, models.ReconcileReport{}, report)

	out, err = run(t, cfgPath, "search", "--vector", "1,0,0,0", "-o", "compact")
	require.NoError(t, err)
	assert.NotContains(t, out, "\ta\t")
	assert.Contains(t, out, "\tb\tBeta")
}

func TestLoadLegacyCommand(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	emb := filepath.Join(dir, "embeddings.json")
	papers := filepath.Join(dir, "papers.json")
	require.NoError(t, os.WriteFile(emb, []byte(`{
		"p1": {"abstract": [1, 0, 0, 0], "method": [0, 1, 0, 0]},
		"p2": {"abstract": [0, 0, 1, 0]},
		"ghost": {"abstract": [0, 0, 0, 1]}
	}`), 0644))
	require.NoError(t, os.WriteFile(papers, []byte(`{
		"p1": {"title": "One", "abstract": "First paper.", "sections": {"method": "The method."}},
		"p2": {"title": "Two", "abstract": "Second paper."}
	}`), 0644))

	out, err := run(t, cfgPath, "load-legacy", "--embeddings", emb, "--papers", papers)
	require.NoError(t, err)
	assert.Contains(t, out, "batch legacy: inserted 3, replaced 0, rejected 1")
	assert.Contains(t, out, `rejected "ghost#abstract"`)

	out, err = run(t, cfgPath, "search", "--vector", "0,0,1,0", "-k", "1", "-o", "compact")
	require.NoError(t, err)
	assert.Equal(t, "1\t1.0000\tp2#abstract\tTwo\n", out)

	out, err = run(t, cfgPath, "papers")
	require.NoError(t, err)
	assert.Equal(t, "p1\np2\n", out)

	out, err = run(t, cfgPath, "papers", "p1", "-o", "compact")
	require.NoError(t, err)
	assert.Equal(t, "p1#abstract\tabstract\tOne\np1#method\tmethod\tOne\n", out)

	_, err = run(t, cfgPath, "papers", "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = run(t, cfgPath, "load-legacy", "--embeddings", emb)
	assert.Error(t, err)
}

func TestSearchCommand_RequiresQuery(t *testing.T) {
	_, cfgPath := writeTestConfig(t)
	_, err := run(t, cfgPath, "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--vector is required")
}

func TestSearchCommand_InvalidK(t *testing.T) {
	_, cfgPath := writeTestConfig(t)
	_, err := run(t, cfgPath, "search", "--vector", "1,0,0,0", "--k=-1")
	assert.ErrorIs(t, err, models.ErrInvalidK)
}

func TestSearchCommand_NoEncoderModels(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)
	cfg := strings.Replace(testConfig, "  type: mock\n",
		"  type: clip\n  text_model_path: ./models/missing-text.onnx\n  image_model_path: ./models/missing-image.onnx\n", 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	batch := filepath.Join(dir, "batch.jsonl")
	require.NoError(t, os.WriteFile(batch, []byte(testBatch), 0644))

	_, err := run(t, cfgPath, "ingest", batch)
	assert.ErrorIs(t, err, errPartial)

	_, err = run(t, cfgPath, "search", "graph", "neural")
	assert.ErrorIs(t, err, search.ErrNoEncoder)

	out, err := run(t, cfgPath, "search", "--vector", "0,1,0,0", "-k", "1", "-o", "compact")
	require.NoError(t, err)
	assert.Equal(t, "1\t1.0000\tb\tBeta\n", out)
}

func TestVersionCommand(t *testing.T) {
	_, cfgPath := writeTestConfig(t)
	out, err := run(t, cfgPath, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "paperscope 1.2.3 (abc123) built on 2026-01-01")
}

func TestSearchCommand_Server(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = gojson.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[{"id":"x","rank":1,"similarity_score":0.5,"record":{"title":"Remote"}}],"total":1}`)
	}))
	defer srv.Close()

	_, cfgPath := writeTestConfig(t)
	out, err := run(t, cfgPath, "search", "--server", srv.URL, "--threshold", "0.2", "-o", "compact", "remote", "query")
	require.NoError(t, err)
	assert.Equal(t, "1\t0.5000\tx\tRemote\n", out)
	assert.Equal(t, "remote query", got["text"])
	assert.Equal(t, 0.2, got["threshold"])
}

func TestStatusCommand_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, cfgPath := writeTestConfig(t)
	_, err := run(t, cfgPath, "status", "--server", srv.URL)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "server returned 500"), err.Error())
}

func TestLoadConfig(t *testing.T) {
	_, cfgPath := writeTestConfig(t)
	cfg, path, err := loadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfgPath, path)
	assert.Equal(t, 4, cfg.Index.Dimensions)
	assert.Equal(t, EncoderMock, cfg.Encoder.Type)
	assert.Equal(t, filepath.Join(filepath.Dir(cfgPath), "data", "records.db"), cfg.Storage.DatabasePath)

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
