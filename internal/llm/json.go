package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// UnmarshalJSON 解析 JSON，遇到语法错误时先用 jsonrepair 修复再重试。
func UnmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

// StripCodeFence 去掉模型常见的 ```json ... ``` 包裹。
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		trimmed = ""
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
