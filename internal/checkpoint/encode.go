package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EncodeStateJSON serializes arbitrary agent state deterministically:
// time.Time values become RFC 3339 strings, byte slices become hex, and
// set-shaped maps (map[string]struct{} / map[string]bool) become sorted
// lists. Types outside the JSON-representable set fail instead of silently
// degrading.
func EncodeStateJSON(state map[string]interface{}) (string, error) {
	converted, err := convertValue(state)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(converted)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

func convertValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case []byte:
		return hex.EncodeToString(val), nil
	case map[string]struct{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	case map[string]bool:
		keys := make([]string, 0, len(val))
		for k, member := range val {
			if member {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return keys, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			converted, err := convertValue(inner)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			converted, err := convertValue(inner)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = converted
		}
		return out, nil
	case []string:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported state type %T", v)
	}
}

// decodeDecisionContext accepts both the current JSON-list encoding and the
// legacy single-string encoding of decision_context columns.
func decodeDecisionContext(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	// Legacy rows stored a bare string.
	return []string{raw}
}
