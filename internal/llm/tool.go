package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool 是可由大模型调用的函数，调用结果始终是文本。
type Tool interface {
	Name() string
	Description() string
	Parameters() *jsonschema.Schema
	Call(ctx context.Context, arguments string) (string, error)
}

// FuncTool 把带类型参数的 Go 函数包装为 Tool，参数 Schema 由 T 推导。
type FuncTool[T any] struct {
	name        string
	description string
	schema      *jsonschema.Schema
	fn          func(ctx context.Context, args T) (string, error)
}

var _ Tool = (*FuncTool[struct{}])(nil)

// NewFuncTool 创建 FuncTool。
func NewFuncTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*FuncTool[T], error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("工具名称不能为空")
	}
	if fn == nil {
		return nil, fmt.Errorf("工具 %s 缺少实现", name)
	}
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("推导工具 %s 的参数 Schema 失败: %w", name, err)
	}
	return &FuncTool[T]{name: name, description: description, schema: schema, fn: fn}, nil
}

// MustNewFuncTool 与 NewFuncTool 相同，失败时 panic，仅用于静态定义的工具。
func MustNewFuncTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) *FuncTool[T] {
	tool, err := NewFuncTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return tool
}

func (t *FuncTool[T]) Name() string { return t.name }

func (t *FuncTool[T]) Description() string { return t.description }

func (t *FuncTool[T]) Parameters() *jsonschema.Schema { return t.schema }

// Call 解析参数并执行函数。
func (t *FuncTool[T]) Call(ctx context.Context, arguments string) (string, error) {
	var args T
	raw := strings.TrimSpace(arguments)
	if raw == "" {
		raw = "{}"
	}
	if err := UnmarshalJSON([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("解析工具 %s 参数 %q 失败: %w", t.name, arguments, err)
	}
	return t.fn(ctx, args)
}

// FindTool 按名称查找工具。
func FindTool(tools []Tool, name string) (Tool, bool) {
	for _, tool := range tools {
		if tool != nil && tool.Name() == name {
			return tool, true
		}
	}
	return nil, false
}
