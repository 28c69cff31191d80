package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBuildsTaggedValues(t *testing.T) {
	doc, err := Parse([]byte(`{"name":"Auditor","level":3,"active":true,"tags":["a","b"],"meta":{"x":null}}`))
	require.NoError(t, err)

	require.Equal(t, KindString, KindOf(doc["name"]))
	require.Equal(t, KindNumber, KindOf(doc["level"]))
	require.Equal(t, KindBool, KindOf(doc["active"]))
	require.Equal(t, KindArray, KindOf(doc["tags"]))
	require.Equal(t, KindObject, KindOf(doc["meta"]))
	require.Equal(t, []string{"active", "level", "meta", "name", "tags"}, doc.Fields())
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	require.ErrorIs(t, err, ErrNotObject)

	_, err = Parse([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestParseNullIsEmpty(t *testing.T) {
	doc, err := Parse([]byte(" null "))
	require.NoError(t, err)
	require.Nil(t, doc)
	require.True(t, doc.IsEmpty())
}

func TestCanonicalSerializationIsStable(t *testing.T) {
	a, err := Parse([]byte(`{"b":2.50,"a":"x<y","c":[true,null]}`))
	require.NoError(t, err)
	b, err := FromMap(map[string]any{"c": []any{true, nil}, "a": "x<y", "b": 2.5})
	require.NoError(t, err)

	rawA, err := json.Marshal(a)
	require.NoError(t, err)
	rawB, err := json.Marshal(b)
	require.NoError(t, err)

	require.Equal(t, `{"a":"x<y","b":2.5,"c":[true,null]}`, string(rawA))
	require.Equal(t, rawA, rawB)
	require.True(t, a.Equal(b))
}

func TestIntegralNumbersHaveNoExponent(t *testing.T) {
	doc, err := FromMap(map[string]any{"n": 1000000, "f": 1e21, "z": -0.0})
	require.NoError(t, err)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.Equal(t, `{"f":1e+21,"n":1000000,"z":0}`, string(raw))
}

func TestStringsAreNFCNormalised(t *testing.T) {
	composed, err := FromMap(map[string]any{"name": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := FromMap(map[string]any{"name": "cafe\u0301"})
	require.NoError(t, err)
	require.True(t, composed.Equal(decomposed))
}

func TestEqualTreatsNilAsNull(t *testing.T) {
	require.True(t, Equal(nil, Null{}))
	require.False(t, Equal(Number(1), String("1")))
	require.True(t, Equal(Array{Number(1), String("a")}, Array{Number(1), String("a")}))
	require.False(t, Equal(Array{Number(1)}, Array{Number(1), Number(2)}))
}

func TestDecodeIntoStruct(t *testing.T) {
	doc, err := Parse([]byte(`{"name":"Auditor","description":"read only"}`))
	require.NoError(t, err)

	var role struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	require.NoError(t, doc.Decode(&role))
	require.Equal(t, "Auditor", role.Name)
	require.Equal(t, "read only", role.Description)
}

func TestCloneIsDeep(t *testing.T) {
	doc := Document{"tags": Array{String("a")}}
	clone := doc.Clone()
	clone["tags"].(Array)[0] = String("b")
	require.Equal(t, String("a"), doc["tags"].(Array)[0])
}

func TestUnmarshalJSONIntoDocumentField(t *testing.T) {
	var body struct {
		Proposed Document `json:"proposed"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"proposed":{"name":"Auditor"}}`), &body))
	require.Equal(t, String("Auditor"), body.Proposed["name"])
}
