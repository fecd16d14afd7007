package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFenced(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"signal\": \"BUY\", \"confidence\": 0.8}\n```\nDone."
	payload, ok := ExtractJSON(text)
	require.True(t, ok)
	assert.JSONEq(t, `{"signal": "BUY", "confidence": 0.8}`, payload)
}

func TestExtractJSONBareFence(t *testing.T) {
	text := "```\n{\"signal\": \"HOLD\"}\n```"
	payload, ok := ExtractJSON(text)
	require.True(t, ok)
	assert.JSONEq(t, `{"signal": "HOLD"}`, payload)
}

func TestExtractJSONUnfenced(t *testing.T) {
	text := `The verdict: {"signal": "SELL", "confidence": 0.6} based on momentum.`
	payload, ok := ExtractJSON(text)
	require.True(t, ok)
	assert.JSONEq(t, `{"signal": "SELL", "confidence": 0.6}`, payload)
}

func TestExtractJSONMissing(t *testing.T) {
	_, ok := ExtractJSON("no structured content here")
	assert.False(t, ok)
}

func TestParseInto(t *testing.T) {
	var out struct {
		Signal     string  `json:"signal"`
		Confidence float64 `json:"confidence"`
	}
	err := ParseInto("```json\n{\"signal\":\"BUY\",\"confidence\":0.75}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "BUY", out.Signal)
	assert.Equal(t, 0.75, out.Confidence)
}

func TestParseIntoMalformed(t *testing.T) {
	var out map[string]interface{}
	err := ParseInto("{broken json", &out)
	assert.Error(t, err)
}
