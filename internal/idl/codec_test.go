package idl

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	return &Document{
		Version: "0.1.0",
		Name:    "basic_2",
		Instructions: []Instruction{
			{
				Name: "create",
				Accounts: []json.RawMessage{
					json.RawMessage(`{"name":"counter","isMut":true,"isSigner":false}`),
					json.RawMessage(`{"name":"rent","isMut":false,"isSigner":false}`),
				},
				Args: []Field{{Name: "authority", Type: json.RawMessage(`"publicKey"`)}},
			},
			{
				Name:     "increment",
				Accounts: []json.RawMessage{json.RawMessage(`{"name":"counter","isMut":true,"isSigner":false}`)},
				Args:     []Field{},
			},
		},
		Accounts: []TypeDefinition{
			{
				Name: "Counter",
				Type: TypeDefinitionTy{
					Kind: "struct",
					Fields: []Field{
						{Name: "authority", Type: json.RawMessage(`"publicKey"`)},
						{Name: "count", Type: json.RawMessage(`"u64"`)},
					},
				},
			},
		},
		Errors: []ErrorCode{{Code: 300, Name: "Overflow", Msg: "counter overflow"}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := sampleDocument()

	payload, err := Encode(doc)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, doc, decoded)
	assert.True(t, doc.Equal(decoded))
}

func TestEncodeStripsMetadata(t *testing.T) {
	doc := sampleDocument().WithMetadata("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

	payload, err := Encode(doc)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Nil(t, decoded.Metadata)
	assert.NotNil(t, doc.Metadata, "caller's document must not be mutated")
	assert.True(t, doc.Equal(decoded))
}

func TestEqualIgnoresMetadataOnly(t *testing.T) {
	a := sampleDocument()
	b := sampleDocument().WithMetadata("11111111111111111111111111111111")
	assert.True(t, a.Equal(b))

	c := sampleDocument()
	c.Version = "0.2.0"
	assert.False(t, a.Equal(c))

	var nilDoc *Document
	assert.False(t, a.Equal(nilDoc))
	assert.True(t, nilDoc.Equal(nil))
}

func TestUnmodelledKeysSurvive(t *testing.T) {
	body := []byte(`{
  "version": "0.1.0",
  "name": "limits",
  "instructions": [],
  "constants": [{"name": "MAX_SIZE", "type": "u64", "value": "1000"}],
  "docs": ["Limits program"],
  "metadata": {"address": "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"}
}`)
	doc, err := ParseJSON(body)
	require.NoError(t, err)
	require.Len(t, doc.Extra, 2)
	assert.JSONEq(t, `[{"name":"MAX_SIZE","type":"u64","value":"1000"}]`, string(doc.Extra["constants"]))
	require.NotNil(t, doc.Metadata)

	payload, err := Encode(doc)
	require.NoError(t, err)
	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Nil(t, decoded.Metadata)
	assert.True(t, doc.Equal(decoded))

	compact, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t,
		`{"version":"0.1.0","name":"limits","instructions":[],"constants":[{"name":"MAX_SIZE","type":"u64","value":"1000"}],"docs":["Limits program"]}`,
		string(compact))

	changed := *decoded
	changed.Extra = map[string]json.RawMessage{
		"constants": json.RawMessage(`[{"name":"MAX_SIZE","type":"u64","value":"2000"}]`),
		"docs":      decoded.Extra["docs"],
	}
	assert.False(t, decoded.Equal(&changed))
}

func TestMarshalRejectsShadowingExtraKey(t *testing.T) {
	doc := sampleDocument()
	doc.Extra = map[string]json.RawMessage{"name": json.RawMessage(`"other"`)}
	_, err := json.Marshal(doc)
	require.Error(t, err)
}

func TestDecodeRejectsCorruptStream(t *testing.T) {
	payload, err := Encode(sampleDocument())
	require.NoError(t, err)

	_, err = Decode([]byte("not zlib at all"))
	assert.ErrorIs(t, err, ErrDecode)

	truncated := payload[:len(payload)/2]
	doc, err := Decode(truncated)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Nil(t, doc)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"version": "0.1.0", "name": `))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	doc, err := Decode(buf.Bytes())
	assert.ErrorIs(t, err, ErrDecode)
	assert.Nil(t, doc)
}

func TestWriteJSONRoundTripsThroughFile(t *testing.T) {
	path := t.TempDir() + "/target/idl/basic_2.json"
	doc := sampleDocument().WithMetadata("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

	require.NoError(t, WriteJSON(doc, path))

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Metadata)
	assert.Equal(t, "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS", loaded.Metadata.Address)
	assert.True(t, doc.Equal(loaded))
}
