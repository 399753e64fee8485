package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNDJSONStream_SystemOnly(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"A"}
{"type":"result","subtype":"success","result":"done"}`
	_, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "A", sessionID)
}

func TestParseNDJSONStream_ResultOnly(t *testing.T) {
	raw := `{"type":"result","subtype":"success","result":"done","session_id":"B"}`
	_, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "B", sessionID)
}

func TestParseNDJSONStream_BothDiffer_ResultWins(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"A"}
{"type":"result","subtype":"success","result":"done","session_id":"B"}`
	_, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "B", sessionID)
}

func TestParseNDJSONStream_LastResultSessionIDWins(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"A"}
{"type":"result","subtype":"success","result":"first","session_id":"B"}
{"type":"result","subtype":"success","result":"second","session_id":"C"}`
	_, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "C", sessionID)
}

func TestParseNDJSONStream_ResultWithEmptySessionID_RetainsSystem(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"A"}
{"type":"result","subtype":"success","result":"done","session_id":""}`
	_, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "A", sessionID, "an empty result session_id must not override the system value")
}

func TestParseNDJSONStream_ConcatenatesResultOutputs(t *testing.T) {
	raw := `{"type":"result","subtype":"success","result":"foo"}
{"type":"tool_use","subtype":"ignored"}
{"type":"result","subtype":"success","result":"bar"}`
	output, _ := ParseNDJSONStream(raw)
	require.Equal(t, "foobar", output)
}

func TestParseNDJSONStream_IgnoresMalformedLines(t *testing.T) {
	raw := "not json at all\n" + `{"type":"result","result":"ok","session_id":"Z"}`
	output, sessionID := ParseNDJSONStream(raw)
	require.Equal(t, "ok", output)
	require.Equal(t, "Z", sessionID)
}

func TestParseNDJSONStream_EmptyStream(t *testing.T) {
	output, sessionID := ParseNDJSONStream("")
	require.Empty(t, output)
	require.Empty(t, sessionID)
}
