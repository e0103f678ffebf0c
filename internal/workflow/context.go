package workflow

import "strings"

// ContextLog 是只追加的上下文日志。
type ContextLog struct {
	items []ContextItem
}

// Append 追加一条记录。
func (l *ContextLog) Append(item ContextItem) {
	l.items = append(l.items, item)
}

// Len 返回记录条数。
func (l *ContextLog) Len() int {
	return len(l.items)
}

// Items 返回记录副本。
func (l *ContextLog) Items() []ContextItem {
	return append([]ContextItem(nil), l.items...)
}

// Relevant 计算动作目标可见的上下文，格式为逐行的 "role: content"。
// 没有任何可见记录时 ok 为 false。
func (l *ContextLog) Relevant(action Action) (string, bool) {
	var keep func(ContextItem) bool
	switch {
	case action.To == RoleRouter && action.Type == ActionFollowup:
		keep = func(ContextItem) bool { return true }
	case action.To == RoleRouter:
		keep = func(item ContextItem) bool { return item.Role != RoleUser }
	default:
		deps := make(map[string]struct{}, len(action.Metadata.Dependencies))
		for _, name := range action.dependencyNames() {
			deps[name] = struct{}{}
		}
		keep = func(item ContextItem) bool {
			if item.Role == RoleUser {
				return true
			}
			_, ok := deps[item.Role]
			return ok
		}
	}

	lines := make([]string, 0, len(l.items))
	for _, item := range l.items {
		if keep(item) {
			lines = append(lines, item.Role+": "+item.Content)
		}
	}
	text := strings.Join(lines, "\n")
	if text == "" {
		return "", false
	}
	return text, true
}
