package docquery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func decodeList(t *testing.T, s string) []map[string]any {
	var l []map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &l))
	return l
}

func TestMatch(t *testing.T) {
	doc := decode(t, `{"_id":"a","name":"alice","age":30,"tags":["x"],"login":{"password":{"%share":"abc"}}}`)

	cases := []struct {
		filter string
		want   bool
	}{
		{`{}`, true},
		{`{"name":"alice"}`, true},
		{`{"name":"bob"}`, false},
		{`{"age":{"$gte":30}}`, true},
		{`{"age":{"$gt":30}}`, false},
		{`{"age":{"$lt":40,"$gt":20}}`, true},
		{`{"name":{"$in":["bob","alice"]}}`, true},
		{`{"name":{"$nin":["alice"]}}`, false},
		{`{"missing":{"$exists":false}}`, true},
		{`{"missing":{"$ne":1}}`, true},
		{`{"login.password.%share":"abc"}`, true},
		{`{"$or":[{"name":"bob"},{"age":30}]}`, true},
		{`{"$and":[{"name":"alice"},{"age":31}]}`, false},
		{`{"tags":["x"]}`, true},
		{`{"age":{"$gt":"10"}}`, false},
	}
	for _, tc := range cases {
		got, err := Match(doc, decode(t, tc.filter))
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.want, got, tc.filter)
	}

	_, err := Match(doc, decode(t, `{"age":{"$regex":"x"}}`))
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestApplySet(t *testing.T) {
	doc := decode(t, `{"_id":"a","name":"alice","profile":{"city":"Oslo"}}`)

	changed, err := ApplySet(doc, decode(t, `{"name":"alice","profile.city":"Bergen"}`))
	require.NoError(t, err)
	require.True(t, changed)
	v, _ := Lookup(doc, "profile.city")
	require.Equal(t, "Bergen", v)

	changed, err = ApplySet(doc, decode(t, `{"name":"alice"}`))
	require.NoError(t, err)
	require.False(t, changed)

	_, err = ApplySet(doc, decode(t, `{"_id":"b"}`))
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestPipeline(t *testing.T) {
	docs := decodeList(t, `[
		{"_id":"1","name":"a","age":20,"score":{"%share":4294967000}},
		{"_id":"2","name":"b","age":35,"score":{"%share":100}},
		{"_id":"3","name":"c","age":50,"score":{"%share":200}}
	]`)

	out, err := RunPipeline(docs, []map[string]any{
		decode(t, `{"$match":{"age":{"$gte":30}}}`),
		decode(t, `{"$sort":{"age":-1}}`),
		decode(t, `{"$project":{"name":1,"_id":0}}`),
	})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"name": "c"}, {"name": "b"}}, out)

	out, err = RunPipeline(docs, []map[string]any{decode(t, `{"$count":"total"}`)})
	require.NoError(t, err)
	require.Equal(t, float64(3), out[0]["total"])

	out, err = RunPipeline(docs, []map[string]any{
		decode(t, `{"$group":{"_id":null,"total":{"$sum":"$score"},"n":{"$count":{}}}}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, map[string]any{"%share": float64(4294967300)}, out[0]["total"])
	require.Equal(t, float64(3), out[0]["n"])

	out, err = RunPipeline(docs, []map[string]any{
		decode(t, `{"$sort":{"age":1}}`),
		decode(t, `{"$skip":1}`),
		decode(t, `{"$limit":1}`),
		decode(t, `{"$project":{"score":0}}`),
	})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"_id": "2", "name": "b", "age": float64(35)}}, out)

	_, err = RunPipeline(docs, []map[string]any{decode(t, `{"$lookup":{}}`)})
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestResolveVariables(t *testing.T) {
	pipeline := []map[string]any{decode(t, `{"$match":{"age":{"$gte":0}}}`)}
	paths := map[string]string{"minAge": "$.pipeline[0].$match.age.$gte"}

	resolved, err := ResolveVariables(pipeline, paths, map[string]any{"minAge": float64(40)})
	require.NoError(t, err)
	require.Equal(t, float64(40), resolved[0]["$match"].(map[string]any)["age"].(map[string]any)["$gte"])
	// The stored pipeline is untouched.
	require.Equal(t, float64(0), pipeline[0]["$match"].(map[string]any)["age"].(map[string]any)["$gte"])

	_, err = ResolveVariables(pipeline, paths, nil)
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = ResolveVariables(pipeline, paths, map[string]any{"minAge": 1, "other": 2})
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = ResolveVariables(pipeline, map[string]string{"x": "$.pipeline[3].$match.a"}, map[string]any{"x": 1})
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = ResolveVariables(pipeline, map[string]string{"x": "$.stages[0].a"}, map[string]any{"x": 1})
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestValidateDocument(t *testing.T) {
	schema := decode(t, `{
		"type":"array",
		"items":{
			"type":"object",
			"properties":{
				"_id":{"type":"string","format":"uuid"},
				"service":{"type":"string"},
				"password":{"type":"object","properties":{"%share":{"type":"string"}},"required":["%share"]},
				"created_at":{"type":"string","format":"date-time"},
				"kind":{"enum":["web","app"]}
			},
			"required":["_id","service","password"],
			"additionalProperties":false
		}
	}`)

	ok := decode(t, `{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":"mail","password":{"%share":"x"},"created_at":"2024-01-02T03:04:05Z","kind":"web"}`)
	require.NoError(t, ValidateDocument(schema, ok))

	bad := []string{
		`{"_id":"nope","service":"mail","password":{"%share":"x"}}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","password":{"%share":"x"}}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":1,"password":{"%share":"x"}}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":"s","password":{}}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":"s","password":{"%share":"x"},"extra":true}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":"s","password":{"%share":"x"},"kind":"tv"}`,
		`{"_id":"6f1c1e46-56c4-4c8b-9f42-9b3a3c0b8f51","service":"s","password":{"%share":"x"},"created_at":"yesterday"}`,
	}
	for _, b := range bad {
		require.ErrorIs(t, ValidateDocument(schema, decode(t, b)), ErrSchemaViolation, b)
	}

	require.NoError(t, ValidateDocument(nil, decode(t, `{"anything":1}`)))
}
