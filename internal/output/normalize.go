package output

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// maxInlineBytes is the largest byte string NormalizeJSONValue keeps verbatim.
const maxInlineBytes = 32

// NormalizeJSONValue turns a generic CBOR decode result into something
// encoding/json accepts. Map keys become strings and large byte strings such
// as pixel buffers are replaced by a short summary.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[fmt.Sprint(key)] = NormalizeJSONValue(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = NormalizeJSONValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = NormalizeJSONValue(inner)
		}
		return out
	case []byte:
		return summarizeBytes(v)
	case cbor.Tag:
		return map[string]any{
			"tag":   v.Number,
			"value": NormalizeJSONValue(v.Content),
		}
	default:
		return v
	}
}

func summarizeBytes(b []byte) any {
	if len(b) <= maxInlineBytes {
		return b
	}
	head := b[:8]
	return map[string]any{
		"bytes": len(b),
		"head":  fmt.Sprintf("% x", head),
	}
}
