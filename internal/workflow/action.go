package workflow

import (
	"encoding/json"
	"strings"
)

// ActionType 是调度单元的类型。
type ActionType string

const (
	ActionRequest  ActionType = "request"
	ActionFollowup ActionType = "followup"
	ActionResponse ActionType = "response"
	ActionComplete ActionType = "complete"
)

// 保留名称：内置智能体与上下文角色。
const (
	RolePlanner = "planner"
	RoleRouter  = "router"
	RoleEndgame = "endgame"
	RoleUser    = "user"
	RoleError   = "error"
)

var reservedNames = map[string]struct{}{
	RolePlanner: {},
	RoleRouter:  {},
	RoleEndgame: {},
	RoleUser:    {},
	RoleError:   {},
}

// IsReservedName 判断名称是否被工作流保留。
func IsReservedName(name string) bool {
	_, ok := reservedNames[strings.TrimSpace(name)]
	return ok
}

// Attachment 是原样透传给智能体的媒体或文件引用。
type Attachment struct {
	Type     string `json:"type"`
	Image    string `json:"image,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Dependency 表示任务需要某个智能体的产出。
type Dependency struct {
	AgentName string `json:"agentName"`
	Reason    string `json:"reason,omitempty"`
}

// UnmarshalJSON 同时接受 reason 与 task 两种字段名；未规范化的字符串只保留描述。
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var hint string
	if err := json.Unmarshal(data, &hint); err == nil {
		*d = Dependency{Reason: hint}
		return nil
	}
	var raw struct {
		AgentName string `json:"agentName"`
		Reason    string `json:"reason"`
		Task      string `json:"task"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.AgentName = strings.TrimSpace(raw.AgentName)
	d.Reason = raw.Reason
	if d.Reason == "" {
		d.Reason = raw.Task
	}
	return nil
}

// Task 是规划器产出的任务。
type Task struct {
	Instructions []string       `json:"instructions"`
	Attachments  [][]Attachment `json:"attachments"`
	Dependencies []string       `json:"dependencies"`
}

// AssignedTask 是经路由器分配后的任务。
type AssignedTask struct {
	AgentName    string         `json:"agentName"`
	Instructions []string       `json:"instructions"`
	Attachments  [][]Attachment `json:"attachments,omitempty"`
	Dependencies []Dependency   `json:"dependencies"`
}

// Metadata 附带在 Action 上的可选信息。
type Metadata struct {
	Dependencies   []Dependency   `json:"dependencies,omitempty"`
	Attachments    [][]Attachment `json:"attachments,omitempty"`
	IsTaskComplete bool           `json:"isTaskComplete,omitempty"`
	OriginalFrom   string         `json:"originalFrom,omitempty"`
	OriginalTask   string         `json:"originalTask,omitempty"`
}

// Action 是调度器处理的最小单元。
type Action struct {
	Type     ActionType `json:"type"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Content  string     `json:"content"`
	Metadata Metadata   `json:"metadata"`
}

// dependencyNames 返回依赖的智能体名称，保持声明顺序。
func (a Action) dependencyNames() []string {
	names := make([]string, 0, len(a.Metadata.Dependencies))
	for _, dep := range a.Metadata.Dependencies {
		if dep.AgentName != "" {
			names = append(names, dep.AgentName)
		}
	}
	return names
}

// ContextItem 是上下文日志中的一条记录。
type ContextItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
