package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(query string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回知识条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Query 按关键字与标签匹配查询文本，命中数量不超过 maxResults。
func (p *StaticProvider) Query(query string) []Snippet {
	if p == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, query) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, query string) bool {
	if title := strings.ToLower(strings.TrimSpace(snippet.Title)); title != "" && strings.Contains(query, title) {
		return true
	}
	return containsAny(query, snippet.Keywords) || containsAny(query, snippet.Tags)
}

func containsAny(query string, terms []string) bool {
	for _, term := range terms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
