package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ZeeWorkflow/internal/agent"
	"ZeeWorkflow/internal/llm"
)

type step struct {
	text   string
	object string
	err    error
}

type call struct {
	agent string
	req   llm.Request
}

// scriptedGenerator 按智能体回放预置回复，智能体由首条系统消息（描述）识别。
type scriptedGenerator struct {
	mu      sync.Mutex
	steps   map[string][]step
	sticky  map[string]step
	byDesc  map[string]string
	calls   []call
	missing []string
}

func newScripted(agents []agent.Config) *scriptedGenerator {
	s := &scriptedGenerator{
		steps:  make(map[string][]step),
		sticky: make(map[string]step),
		byDesc: make(map[string]string),
	}
	for _, cfg := range agents {
		s.byDesc[cfg.Description] = cfg.Name
	}
	return s
}

func (s *scriptedGenerator) on(name string, steps ...step) *scriptedGenerator {
	s.steps[name] = append(s.steps[name], steps...)
	return s
}

// always 在脚本耗尽后持续返回同一回复。
func (s *scriptedGenerator) always(name string, st step) *scriptedGenerator {
	s.sticky[name] = st
	return s
}

func (s *scriptedGenerator) identify(req llm.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	first := req.Messages[0].Content
	switch {
	case strings.HasPrefix(first, "You are a task planner"):
		return RolePlanner
	case first == routerDescription:
		return RoleRouter
	case first == endgameDescription:
		return RoleEndgame
	}
	return s.byDesc[first]
}

func (s *scriptedGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.identify(req)
	s.calls = append(s.calls, call{agent: name, req: req})

	queue := s.steps[name]
	var st step
	switch {
	case len(queue) > 0:
		st = queue[0]
		s.steps[name] = queue[1:]
	default:
		sticky, ok := s.sticky[name]
		if !ok {
			s.missing = append(s.missing, name)
			return nil, fmt.Errorf("no scripted reply for %q", name)
		}
		st = sticky
	}
	if st.err != nil {
		return nil, st.err
	}
	resp := &llm.Response{Content: st.text}
	if st.object != "" {
		resp.Object = []byte(st.object)
	}
	return resp, nil
}

func (s *scriptedGenerator) callsTo(name string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if c.agent == name {
			out = append(out, c)
		}
	}
	return out
}

// taskMessage 返回调用中的 "Relevant context -> ... Current task -> ..." 消息。
func (c call) taskMessage() string {
	for _, msg := range c.req.Messages {
		if msg.Role == llm.RoleUser && strings.HasPrefix(msg.Content, "Relevant context -> ") {
			return msg.Content
		}
	}
	return ""
}

func (c call) systemMessages() []string {
	var out []string
	for _, msg := range c.req.Messages {
		if msg.Role == llm.RoleSystem {
			out = append(out, msg.Content)
		}
	}
	return out
}

func testAgents(names ...string) []agent.Config {
	out := make([]agent.Config, 0, len(names))
	for _, name := range names {
		out = append(out, agent.Config{
			Name:         name,
			Description:  "You are the " + name + " agent.",
			Instructions: []string{"Do the " + name + " work."},
		})
	}
	return out
}

type recordingObserver struct {
	actions  []Action
	items    []ContextItem
	finished []Result
}

func (r *recordingObserver) OnAction(_ string, action Action) { r.actions = append(r.actions, action) }
func (r *recordingObserver) OnContextItem(_ string, item ContextItem) {
	r.items = append(r.items, item)
}
func (r *recordingObserver) OnRunFinished(_ string, result Result) {
	r.finished = append(r.finished, result)
}
