package whoopsync

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlattenRecord converts a nested sleep record into a flat row keyed by
// dotted paths, e.g. score.stage_summary.total_rem_sleep_time_milli. List
// values are serialized as compact JSON strings; scalars are formatted
// deterministically so two flattenings of the same record are identical.
func FlattenRecord(record SleepRecord) map[string]string {
	out := make(map[string]string, len(record))
	flattenInto(out, "", map[string]any(record))
	return out
}

func flattenInto(out map[string]string, prefix string, value map[string]any) {
	for key, val := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch typed := val.(type) {
		case map[string]any:
			flattenInto(out, path, typed)
		case []any:
			encoded, err := json.Marshal(typed)
			if err != nil {
				out[path] = ""
				continue
			}
			out[path] = string(encoded)
		default:
			out[path] = formatScalar(val)
		}
	}
}

func formatScalar(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
