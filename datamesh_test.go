package datamesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/poiesic/datamesh/alignment"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/ingestion"
	"github.com/poiesic/datamesh/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer serves pages of {"id", "description"} items from pages, one
// slice per page, and an empty array past the last page.
func apiServer(t *testing.T, pages [][]map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		items := []map[string]any{}
		if page >= 1 && page <= len(pages) {
			items = pages[page-1]
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// endToEndConfig maps a csv source and a rest source onto {content_id, text}.
func endToEndConfig(t *testing.T, workspace, csvPath, endpoint string, format core.OutputFormat) *core.PipelineConfig {
	t.Helper()
	return &core.PipelineConfig{
		Sources: []core.SourceDescriptor{
			{Name: "files", Kind: core.SourceKindCSV, Params: map[string]string{"path": csvPath}},
			{Name: "api", Kind: core.SourceKindREST, Params: map[string]string{"endpoint": endpoint, "page_size": "2"}},
		},
		Schema: core.CanonicalSchema{
			Fields: []core.CanonicalField{
				{Name: "content_id", Type: core.TypeString},
				{Name: "text", Type: core.TypeString},
			},
			PrimaryKey: "content_id",
		},
		Rules: []core.SchemaFieldRule{
			{Column: "id", Target: "content_id", Type: core.TypeString},
			{Column: "description", Target: "text", Type: core.TypeString},
		},
		IO: core.IOConfig{WorkspaceDir: workspace, OutputFormat: format},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,description\n1,a\n2,b\n")
	srv := apiServer(t, [][]map[string]any{{{"id": 2, "description": "from api"}}})
	workspace := filepath.Join(dir, "out")

	p, err := NewPipeline()
	require.NoError(t, err)
	summary, err := p.Run(context.Background(), endToEndConfig(t, workspace, csvPath, srv.URL, core.FormatJSONL))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, 1, summary.Duplicates)
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, summary.ConfigDigest, 64)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	require.Len(t, summary.Sources, 2)
	files := summary.Sources[0]
	assert.Equal(t, core.SourceSummary{Name: "files", Read: 2, Emitted: 2}, files)
	api := summary.Sources[1]
	assert.Equal(t, core.SourceSummary{Name: "api", Read: 1, Duplicates: 1}, api)

	require.Len(t, summary.Artifacts, 1)
	assert.Equal(t, filepath.Join(workspace, "dataset.jsonl"), summary.Artifacts[0].Path)
	data, err := os.ReadFile(summary.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "{\"content_id\":\"1\",\"text\":\"a\"}\n{\"content_id\":\"2\",\"text\":\"b\"}\n", string(data))
}

func TestPipeline_Deterministic(t *testing.T) {
	for _, format := range []core.OutputFormat{core.FormatJSONL, core.FormatParquet} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			csvPath := writeFile(t, dir, "files.csv", "id,description\n1,a\n2,b\n3,\n")
			srv := apiServer(t, [][]map[string]any{
				{{"id": 4, "description": "d"}, {"id": 2, "description": "dup"}},
				{{"id": 5, "description": "e"}},
			})

			var digests []string
			var contents [][]byte
			for _, ws := range []string{"run1", "run2"} {
				cfg := endToEndConfig(t, filepath.Join(dir, ws), csvPath, srv.URL, format)
				cfg.LLM = &core.LLMExportConfig{TextColumn: "text", MetadataColumns: []string{"content_id"}, Template: "Describe: {text}"}
				p, err := NewPipeline()
				require.NoError(t, err)
				summary, err := p.Run(context.Background(), cfg)
				require.NoError(t, err)
				require.Len(t, summary.Artifacts, 2)
				assert.Equal(t, 5, summary.Records)
				for _, a := range summary.Artifacts {
					data, err := os.ReadFile(a.Path)
					require.NoError(t, err)
					contents = append(contents, data)
					digests = append(digests, a.Digest)
				}
			}
			assert.Equal(t, contents[0], contents[2])
			assert.Equal(t, contents[1], contents[3])
			assert.Equal(t, digests[:2], digests[2:])
		})
	}
}

func TestPipeline_ConfigDigestStable(t *testing.T) {
	cfg := endToEndConfig(t, "out", "a.csv", "http://localhost", core.FormatParquet)
	a, err := ConfigDigest(cfg)
	require.NoError(t, err)
	b, err := ConfigDigest(endToEndConfig(t, "out", "a.csv", "http://localhost", core.FormatParquet))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cfg.IO.OutputFormat = core.FormatJSONL
	c, err := ConfigDigest(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPipeline_CastFailureProducesNoOutput(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,description,score\n1,a,0.5\n2,b,high\n")
	workspace := filepath.Join(dir, "out")
	cfg := &core.PipelineConfig{
		Sources: []core.SourceDescriptor{
			{Name: "files", Kind: core.SourceKindCSV, Params: map[string]string{"path": csvPath}},
		},
		Schema: core.CanonicalSchema{
			Fields: []core.CanonicalField{
				{Name: "content_id", Type: core.TypeString},
				{Name: "score", Type: core.TypeFloat},
			},
			PrimaryKey: "content_id",
		},
		Rules: []core.SchemaFieldRule{
			{Column: "id", Target: "content_id", Type: core.TypeString},
			{Column: "score", Target: "score", Type: core.TypeFloat},
		},
		IO: core.IOConfig{WorkspaceDir: workspace, OutputFormat: core.FormatParquet},
	}

	p, err := NewPipeline()
	require.NoError(t, err)
	_, err = p.Run(context.Background(), cfg)
	require.Error(t, err)

	ae, ok := core.AsAlignmentError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindCastFailure, ae.Kind)
	assert.Equal(t, "files", ae.Origin.Source)
	assert.Equal(t, 3, ae.Origin.Line)
	assert.Equal(t, "score", ae.Field)

	_, statErr := os.Stat(filepath.Join(workspace, "dataset.parquet"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_SkipPolicy(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,n\n1,10\n2,many\n3,30\n")
	cfg := &core.PipelineConfig{
		Sources: []core.SourceDescriptor{
			{Name: "files", Kind: core.SourceKindCSV, Params: map[string]string{"path": csvPath}},
		},
		Schema: core.CanonicalSchema{
			Fields: []core.CanonicalField{
				{Name: "id", Type: core.TypeInt},
				{Name: "n", Type: core.TypeInt},
			},
			PrimaryKey: "id",
		},
		Rules: []core.SchemaFieldRule{
			{Column: "id", Target: "id", Type: core.TypeInt},
			{Column: "n", Target: "n", Type: core.TypeInt},
		},
		IO: core.IOConfig{WorkspaceDir: filepath.Join(dir, "out"), OutputFormat: core.FormatJSONL},
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheus(reg)
	require.NoError(t, err)

	p, err := NewPipeline(WithPolicy(alignment.PolicySkip), WithMetrics(rec))
	require.NoError(t, err)
	summary, err := p.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, 1, summary.Rejected)
	require.Len(t, summary.Sources, 1)
	assert.Equal(t, core.SourceSummary{Name: "files", Read: 3, Rejected: 1, Emitted: 2}, summary.Sources[0])

	data, err := os.ReadFile(summary.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1,\"n\":10}\n{\"id\":3,\"n\":30}\n", string(data))

	n, err := testutil.GatherAndCount(reg, "datamesh_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "datamesh_records_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPipeline_ConfigErrorsBeforeIO(t *testing.T) {
	dir := t.TempDir()
	workspace := filepath.Join(dir, "out")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name   string
		mutate func(*core.PipelineConfig)
	}{
		{"missing primary key mapping", func(c *core.PipelineConfig) {
			c.Rules = c.Rules[1:]
		}},
		{"unknown template field", func(c *core.PipelineConfig) {
			c.LLM = &core.LLMExportConfig{TextColumn: "text", Template: "{title}"}
		}},
		{"bad adapter parameter", func(c *core.PipelineConfig) {
			c.Sources[1].Params["fan_out"] = "zero"
		}},
		{"untyped canonical field", func(c *core.PipelineConfig) {
			c.Schema.Fields[0].Type = ""
		}},
		{"type alias in schema", func(c *core.PipelineConfig) {
			c.Schema.Fields[1].Type = "number"
		}},
		{"conflicting rules", func(c *core.PipelineConfig) {
			c.Rules = append(c.Rules, core.SchemaFieldRule{Column: "uuid", Target: "content_id"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := endToEndConfig(t, workspace, filepath.Join(dir, "missing.csv"), srv.URL, core.FormatJSONL)
			tt.mutate(cfg)
			p, err := NewPipeline()
			require.NoError(t, err)
			_, err = p.Run(context.Background(), cfg)
			require.Error(t, err)
			assert.True(t, core.IsConfigError(err), "got %v", err)
			_, statErr := os.Stat(workspace)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestPipeline_FetchErrorProducesNoOutput(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,description\n1,a\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	workspace := filepath.Join(dir, "out")

	p, err := NewPipeline()
	require.NoError(t, err)
	_, err = p.Run(context.Background(), endToEndConfig(t, workspace, csvPath, srv.URL, core.FormatJSONL))
	require.Error(t, err)

	fe, ok := core.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, "api", fe.Source)
	assert.Equal(t, core.ReasonHTTPStatus, fe.Reason)
	assert.Equal(t, http.StatusNotFound, fe.Status)

	_, statErr := os.Stat(filepath.Join(workspace, "dataset.jsonl"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_LedgerAndReplay(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,description\n1,a\n")
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 1 {
			w.Write([]byte(`[{"id": 7, "description": "seven"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	ledger, err := OpenLedger(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	defer ledger.Close()

	record, err := NewPipeline(WithLedger(ledger, ingestion.SnapshotRecord))
	require.NoError(t, err)
	first, err := record.Run(context.Background(), endToEndConfig(t, filepath.Join(dir, "a"), csvPath, srv.URL, core.FormatParquet))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Records)
	assert.Equal(t, int32(2), served.Load())

	replay, err := NewPipeline(WithLedger(ledger, ingestion.SnapshotReplay))
	require.NoError(t, err)
	second, err := replay.Run(context.Background(), endToEndConfig(t, filepath.Join(dir, "b"), csvPath, srv.URL, core.FormatParquet))
	require.NoError(t, err)
	assert.Equal(t, int32(2), served.Load(), "replay must not contact the endpoint")
	assert.Equal(t, first.Artifacts[0].Digest, second.Artifacts[0].Digest)

	runs, err := ledger.Runs().ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)
	assert.Equal(t, first.RunID, runs[1].RunID)
	assert.Equal(t, first.ConfigDigest, runs[1].ConfigDigest)
	assert.Equal(t, first.Artifacts, runs[1].Artifacts)

	pages, err := ledger.Snapshots().Pages(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pages)
}

func TestPipeline_RecordReplacesStalePages(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, dir, "files.csv", "id,description\n1,a\n")

	ledger, err := OpenMemoryLedger()
	require.NoError(t, err)
	defer ledger.Close()

	p, err := NewPipeline(WithLedger(ledger, ingestion.SnapshotRecord))
	require.NoError(t, err)

	long := apiServer(t, [][]map[string]any{
		{{"id": 2, "description": "b"}},
		{{"id": 3, "description": "c"}},
	})
	_, err = p.Run(context.Background(), endToEndConfig(t, filepath.Join(dir, "a"), csvPath, long.URL, core.FormatJSONL))
	require.NoError(t, err)
	pages, err := ledger.Snapshots().Pages(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pages)

	short := apiServer(t, [][]map[string]any{
		{{"id": 2, "description": "b"}},
	})
	_, err = p.Run(context.Background(), endToEndConfig(t, filepath.Join(dir, "b"), csvPath, short.URL, core.FormatJSONL))
	require.NoError(t, err)
	pages, err = ledger.Snapshots().Pages(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pages)

	// the file source never owns snapshots
	files, err := ledger.Snapshots().Pages(context.Background(), "files")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewPipeline_Options(t *testing.T) {
	_, err := NewPipeline(WithLedger(nil, ingestion.SnapshotOff))
	assert.Error(t, err)

	p, err := NewPipeline(WithLogger(nil), WithMetrics(nil), WithRunRepository(nil))
	require.NoError(t, err)
	assert.NotNil(t, p.logger)
	assert.Equal(t, metrics.Nop{}, p.recorder)
	assert.Equal(t, alignment.PolicyFail, p.policy)
}
