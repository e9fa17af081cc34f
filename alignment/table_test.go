package alignment

import (
	"iter"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() core.CanonicalSchema {
	return core.CanonicalSchema{
		Fields: []core.CanonicalField{
			{Name: "content_id", Type: core.TypeString},
			{Name: "body", Type: core.TypeString},
			{Name: "score", Type: core.TypeFloat},
			{Name: "active", Type: core.TypeBool},
		},
		PrimaryKey: "content_id",
	}
}

func testRules() []core.SchemaFieldRule {
	return []core.SchemaFieldRule{
		{Column: "id", Target: "content_id", Type: core.TypeString},
		{Source: "crm", Column: "text", Target: "body"},
		{Source: "api", Column: "content", Target: "body", Required: true},
		{Column: "rating", Target: "score", Type: core.TypeFloat},
		{Source: "api", Column: "enabled", Target: "active", Default: true},
	}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(testSchema(), testRules(), []string{"crm", "api"})
	require.NoError(t, err)
	return table
}

func raw(source string, seq int, values map[string]any) core.RawRecord {
	return core.RawRecord{Values: values, Origin: core.Origin{Source: source, Seq: seq, Line: seq + 1}}
}

func TestAlign_CanonicalShape(t *testing.T) {
	table := newTestTable(t)
	crm, err := table.Aligner("crm")
	require.NoError(t, err)

	rec, err := crm.Align(raw("crm", 1, map[string]any{"id": "7", "text": "hi", "rating": "4.5", "extra": "ignored"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"content_id", "body", "score", "active"}, rec.Names())
	assert.Equal(t, []core.Field{
		{Name: "content_id", Value: "7"},
		{Name: "body", Value: "hi"},
		{Name: "score", Value: 4.5},
		{Name: "active", Value: nil},
	}, rec.Fields)
	assert.Equal(t, "crm", rec.Origin.Source)
}

func TestAlign_DefaultsAndNulls(t *testing.T) {
	table := newTestTable(t)
	api, err := table.Aligner("api")
	require.NoError(t, err)

	rec, err := api.Align(raw("api", 1, map[string]any{"id": "1", "content": "x", "rating": nil, "enabled": nil}))
	require.NoError(t, err)

	score, _ := rec.Get("score")
	assert.Nil(t, score, "null optional field stays null")
	active, _ := rec.Get("active")
	assert.Equal(t, true, active, "null takes the default")
}

func TestAlign_MissingRequired(t *testing.T) {
	table := newTestTable(t)
	api, err := table.Aligner("api")
	require.NoError(t, err)

	tests := []struct {
		name   string
		values map[string]any
		field  string
	}{
		{"missing primary key", map[string]any{"content": "x"}, "content_id"},
		{"null primary key", map[string]any{"id": nil, "content": "x"}, "content_id"},
		{"missing required field", map[string]any{"id": "1"}, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := api.Align(raw("api", 3, tt.values))
			ae, ok := core.AsAlignmentError(err)
			require.True(t, ok)
			assert.Equal(t, core.KindMissingField, ae.Kind)
			assert.Equal(t, tt.field, ae.Field)
			assert.Equal(t, 3, ae.Origin.Seq)
		})
	}
}

func TestAlign_CastFailure(t *testing.T) {
	table := newTestTable(t)
	crm, err := table.Aligner("crm")
	require.NoError(t, err)

	rec, err := crm.Align(raw("crm", 2, map[string]any{"id": "1", "rating": "excellent"}))
	assert.Empty(t, rec.Fields, "no partial record")

	ae, ok := core.AsAlignmentError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindCastFailure, ae.Kind)
	assert.Equal(t, "score", ae.Field)
	assert.Equal(t, "rating", ae.Column)
	assert.Equal(t, core.TypeFloat, ae.Type)
	assert.Equal(t, "excellent", ae.Value)
	assert.Equal(t, 3, ae.Origin.Line)
}

func TestAlign_SpecificRuleOverridesGlobal(t *testing.T) {
	rules := append(testRules(), core.SchemaFieldRule{Source: "api", Column: "uid", Target: "content_id"})
	table, err := NewTable(testSchema(), rules, []string{"crm", "api"})
	require.NoError(t, err)

	api, err := table.Aligner("api")
	require.NoError(t, err)
	rec, err := api.Align(raw("api", 1, map[string]any{"id": "ignored", "uid": "u1", "content": "c"}))
	require.NoError(t, err)
	id, _ := rec.Get("content_id")
	assert.Equal(t, "u1", id)
}

func TestNewTable_Errors(t *testing.T) {
	tests := []struct {
		name  string
		rules []core.SchemaFieldRule
	}{
		{"duplicate specific rules", append(testRules(), core.SchemaFieldRule{Source: "crm", Column: "summary", Target: "body"})},
		{"type mismatch", append(testRules(), core.SchemaFieldRule{Source: "crm", Column: "on", Target: "active", Type: core.TypeInt})},
		{"bad default", append(testRules(), core.SchemaFieldRule{Source: "crm", Column: "on", Target: "active", Default: "maybe"})},
		{"no primary key column", testRules()[1:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(testSchema(), tt.rules, []string{"crm", "api"})
			require.Error(t, err)
			assert.True(t, core.IsConfigError(err))
		})
	}
}

func TestTable_UnknownSource(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Aligner("erp")
	assert.True(t, errors.Is(err, ErrUnknownSource))
	assert.Equal(t, testSchema(), table.Schema())
}

func rawSeq(items ...any) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		for _, item := range items {
			var ok bool
			switch v := item.(type) {
			case error:
				ok = yield(core.RawRecord{}, v)
			case core.RawRecord:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func TestStream_PolicyFail(t *testing.T) {
	crm, err := newTestTable(t).Aligner("crm")
	require.NoError(t, err)

	seq := rawSeq(
		raw("crm", 1, map[string]any{"id": "1"}),
		raw("crm", 2, map[string]any{"id": "2", "rating": "bad"}),
		raw("crm", 3, map[string]any{"id": "3"}),
	)

	var got []core.Record
	var gotErr error
	for rec, err := range crm.Stream(seq, PolicyFail, nil, nil) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, rec)
	}
	assert.Len(t, got, 1)
	_, ok := core.AsAlignmentError(gotErr)
	assert.True(t, ok)
}

func TestStream_PolicySkip(t *testing.T) {
	crm, err := newTestTable(t).Aligner("crm")
	require.NoError(t, err)

	seq := rawSeq(
		raw("crm", 1, map[string]any{"id": "1"}),
		raw("crm", 2, map[string]any{"id": "2", "rating": "bad"}),
		raw("crm", 3, map[string]any{"text": "no id"}),
		raw("crm", 4, map[string]any{"id": "4"}),
	)

	var rejected []*core.SchemaAlignmentError
	var got []string
	for rec, err := range crm.Stream(seq, PolicySkip, func(e *core.SchemaAlignmentError) { rejected = append(rejected, e) }, nil) {
		require.NoError(t, err)
		id, _ := rec.Get("content_id")
		got = append(got, id.(string))
	}
	assert.Equal(t, []string{"1", "4"}, got)
	require.Len(t, rejected, 2)
	assert.Equal(t, core.KindCastFailure, rejected[0].Kind)
	assert.Equal(t, core.KindMissingField, rejected[1].Kind)
}

func TestStream_FetchErrorEndsStream(t *testing.T) {
	crm, err := newTestTable(t).Aligner("crm")
	require.NoError(t, err)

	fetchErr := &core.SourceFetchError{Source: "crm", Reason: core.ReasonMalformedRow, Line: 3}
	seq := rawSeq(raw("crm", 1, map[string]any{"id": "1"}), error(fetchErr), raw("crm", 2, map[string]any{"id": "2"}))

	n := 0
	var last error
	for _, err := range crm.Stream(seq, PolicySkip, nil, nil) {
		if err != nil {
			last = err
			continue
		}
		n++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, error(fetchErr), last)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
	assert.Equal(t, "skip", p.String())

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)

	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}
