package workflow

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"ZeeWorkflow/internal/llm"
)

// ReplyFormat 决定向智能体索要回复的方式。
type ReplyFormat string

const (
	// ReplyStructured 要求大模型返回 {kind, payload} 对象。
	ReplyStructured ReplyFormat = "structured"
	// ReplyMarkers 使用 FOLLOWUP:/COMPLETE:/ANSWER: 文本前缀。
	ReplyMarkers ReplyFormat = "markers"
)

// ParseReplyFormat 解析配置中的回复格式，空值视为 structured。
func ParseReplyFormat(value string) (ReplyFormat, error) {
	switch ReplyFormat(strings.ToLower(strings.TrimSpace(value))) {
	case "", ReplyStructured:
		return ReplyStructured, nil
	case ReplyMarkers:
		return ReplyMarkers, nil
	default:
		return "", configError("unknown reply format %q", value)
	}
}

// ReplyKind 是智能体回复的类别。
type ReplyKind string

const (
	KindFollowup ReplyKind = "followup"
	KindComplete ReplyKind = "complete"
	KindAnswer   ReplyKind = "answer"
)

// Reply 是结构化回复对象。
type Reply struct {
	Kind    ReplyKind `json:"kind" jsonschema:"followup when more information is needed, complete when the task is done, answer when replying to a followup question"`
	Payload string    `json:"payload" jsonschema:"the question, the task result or the answer"`
}

func (r Reply) valid() bool {
	switch r.Kind {
	case KindFollowup, KindComplete, KindAnswer:
		return true
	}
	return false
}

// replySource 记录回复是通过哪一级解析得到的。
type replySource string

const (
	sourceObject   replySource = "object"
	sourceJSONText replySource = "json_text"
	sourceMarker   replySource = "marker"
	sourceRaw      replySource = "unformatted"
)

var replyResponseFormat = func() *llm.ResponseFormat {
	schema, err := jsonschema.For[Reply](&jsonschema.ForOptions{})
	if err != nil {
		panic(err)
	}
	schema.Properties["kind"].Enum = []any{string(KindFollowup), string(KindComplete), string(KindAnswer)}
	return &llm.ResponseFormat{
		Name:        "agent_reply",
		Description: "Classified reply of an agent",
		Schema:      schema,
	}
}()

// classifyReply 依次尝试结构化对象、JSON 文本与文本前缀，都不匹配时视为完成。
func classifyReply(resp *llm.Response) (Reply, replySource) {
	if resp == nil {
		return Reply{Kind: KindComplete}, sourceRaw
	}
	if len(resp.Object) > 0 {
		var reply Reply
		if err := json.Unmarshal(resp.Object, &reply); err == nil && reply.valid() {
			reply.Payload = strings.TrimSpace(reply.Payload)
			return reply, sourceObject
		}
	}

	text := strings.TrimSpace(resp.Content)
	if stripped := llm.StripCodeFence(text); strings.HasPrefix(stripped, "{") {
		var reply Reply
		if err := llm.UnmarshalJSON([]byte(stripped), &reply); err == nil && reply.valid() {
			reply.Payload = strings.TrimSpace(reply.Payload)
			return reply, sourceJSONText
		}
	}

	markers := []struct {
		marker string
		kind   ReplyKind
	}{
		{MarkerFollowup, KindFollowup},
		{MarkerComplete, KindComplete},
		{MarkerAnswer, KindAnswer},
	}
	for _, m := range markers {
		if strings.HasPrefix(text, m.marker) {
			return Reply{Kind: m.kind, Payload: strings.TrimSpace(strings.TrimPrefix(text, m.marker))}, sourceMarker
		}
	}

	if text == "" {
		text = strings.TrimSpace(string(resp.Object))
	}
	return Reply{Kind: KindComplete, Payload: text}, sourceRaw
}
