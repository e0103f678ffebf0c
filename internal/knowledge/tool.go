package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ZeeWorkflow/internal/llm"
)

// SearchToolName 是知识检索工具在工具目录中的名称。
const SearchToolName = "knowledge_search"

// SearchArgs 是知识检索工具的参数。
type SearchArgs struct {
	Query string `json:"query" jsonschema:"free-text question or keywords to look up"`
}

// NewSearchTool 把知识库包装为智能体可调用的工具，结果为 JSON 数组文本。
func NewSearchTool(provider Provider) llm.Tool {
	return llm.MustNewFuncTool(SearchToolName,
		"Search the static knowledge base and return matching snippets as a JSON array.",
		func(_ context.Context, args SearchArgs) (string, error) {
			if provider == nil {
				return "", fmt.Errorf("知识库未配置")
			}
			query := strings.TrimSpace(args.Query)
			if query == "" {
				return "", fmt.Errorf("查询内容不能为空")
			}
			snippets := provider.Query(query)
			if len(snippets) == 0 {
				return "[]", nil
			}
			data, err := json.Marshal(snippets)
			if err != nil {
				return "", fmt.Errorf("序列化知识条目失败: %w", err)
			}
			return string(data), nil
		})
}
