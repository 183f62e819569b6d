package command

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	// maxResultChars 是回灌给 LLM 的单条文本结果上限。
	maxResultChars = 4000
	// maxResultItems 是列表型结果的元素上限。
	maxResultItems = 10
)

// TruncateResult 把动作结果裁剪到 LLM 上下文可承受的大小：
// JSON 列表保留前 10 个元素并附截断说明，纯文本保留前 4000 个字符。
// 结果是 JSON 时先解析裁剪结构再重编码，避免截断产生非法 JSON。
func TruncateResult(result string) string {
	var decoded any
	if err := json.Unmarshal([]byte(result), &decoded); err != nil {
		return truncateText(result)
	}
	truncated, err := json.Marshal(truncateValue(decoded))
	if err != nil {
		return truncateText(result)
	}
	return string(truncated)
}

func truncateText(text string) string {
	if utf8.RuneCountInString(text) <= maxResultChars {
		return text
	}
	const suffix = "... (truncated)"
	// 按字符数裁剪并落在字符边界上，避免把多字节字符切成非法 UTF-8。
	runes := []rune(text)
	return string(runes[:maxResultChars-len(suffix)]) + suffix
}

func truncateValue(value any) any {
	switch v := value.(type) {
	case []any:
		if len(v) > maxResultItems {
			return map[string]any{
				"results": v[:maxResultItems],
				"note":    fmt.Sprintf("Results truncated to %d of %d total items", maxResultItems, len(v)),
			}
		}
		return v
	case map[string]any:
		if results, ok := v["results"].([]any); ok && len(results) > maxResultItems {
			truncated := make(map[string]any, len(v)+1)
			for key, val := range v {
				truncated[key] = val
			}
			truncated["results"] = results[:maxResultItems]
			truncated["note"] = fmt.Sprintf("Results truncated to %d of %d total matches", maxResultItems, len(results))
			return truncated
		}
		truncated := make(map[string]any, len(v))
		for key, val := range v {
			switch val.(type) {
			case map[string]any, []any, string:
				truncated[key] = truncateValue(val)
			default:
				truncated[key] = val
			}
		}
		return truncated
	case string:
		return truncateText(v)
	default:
		return value
	}
}
