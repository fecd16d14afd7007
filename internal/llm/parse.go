package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/helmsmanai/helmsman/internal/domain"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of a model response. Models often wrap
// payloads in markdown fences or prose; we try the fenced block first, then
// the outermost braces.
func ExtractJSON(text string) (string, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1], true
	}
	return "", false
}

// ParseInto extracts and decodes a JSON payload from a model response.
func ParseInto(text string, dest interface{}) error {
	payload, ok := ExtractJSON(text)
	if !ok {
		return domain.E(domain.KindRequest, "", "no JSON object in llm response")
	}
	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return domain.Wrap(domain.KindRequest, err, "malformed JSON in llm response")
	}
	return nil
}
