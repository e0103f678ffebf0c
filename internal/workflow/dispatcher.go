package workflow

import (
	"context"
	"log/slog"
	"strings"

	"ZeeWorkflow/internal/agent"
	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

// dispatch 逐个处理队列中的动作，直到队列为空或达到迭代上限。
// 单个动作内的任何失败都会转化为上下文记录或队列改写，不会中断循环。
func (w *Workflow) dispatch(ctx context.Context) (iterations int, capReached bool, err error) {
	for w.queue.Len() > 0 {
		if iterations >= w.maxIterations {
			w.logger.Warn("达到最大迭代次数，提前结束调度",
				slog.Int("max_iterations", w.maxIterations),
				slog.Int("queue_len", w.queue.Len()))
			return iterations, true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			w.logger.Warn("运行被取消", slog.Int("iteration", iterations), slog.Any("error", ctxErr))
			return iterations, false, xerrors.Wrap(xerrors.CodeCanceled, ctxErr, "run canceled")
		}

		action, _ := w.queue.Pop()
		iterations++
		w.logger.Info("处理动作",
			slog.Int("iteration", iterations),
			slog.String("action_type", string(action.Type)),
			slog.String("from", action.From),
			slog.String("to", action.To),
			slog.Int("queue_len", w.queue.Len()),
			slog.Int("context_len", w.log.Len()))
		for _, o := range w.observers {
			o.OnAction(w.runID, action)
		}
		w.process(ctx, action)
	}
	w.logger.Info("所有智能体已完成任务", slog.Int("iterations", iterations))
	return iterations, false, nil
}

func (w *Workflow) process(ctx context.Context, action Action) {
	if action.Metadata.IsTaskComplete {
		w.appendContext(ContextItem{Role: action.From, Content: action.Content})
		w.logger.Debug("结果已写入上下文", slog.String("from", action.From), slog.String("action_type", string(action.Type)))
		return
	}

	target, err := w.resolve(action.To)
	if err != nil {
		w.recoverMisroute(action, err)
		return
	}

	var callOpts []agent.CallOption
	if w.replyFormat == ReplyStructured {
		callOpts = append(callOpts, agent.WithResponseFormat(replyResponseFormat))
	}
	resp, err := target.Generate(ctx, w.turnsFor(action), callOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("智能体调用失败",
			slog.String("from", action.From),
			slog.String("to", action.To),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		w.appendContext(ContextItem{Role: RoleError, Content: errorEntry(action.From, action.To, err)})
		return
	}
	w.handleReply(action, resp)
}

// resolve 只允许调用方提供的智能体与路由器作为目标。
func (w *Workflow) resolve(name string) (*agent.Agent, error) {
	if target, ok := w.targets[name]; ok {
		return target, nil
	}
	available := make([]string, 0, len(w.targets))
	for n := range w.targets {
		available = append(available, n)
	}
	return nil, AgentNotFoundError(name, available)
}

func (w *Workflow) recoverMisroute(action Action, err error) {
	if action.Type == ActionFollowup && action.To != RoleRouter {
		w.logger.Warn("追问目标不存在，改由路由器处理", slog.String("to", action.To), slog.String("from", action.From))
		redirected := action
		redirected.To = RoleRouter
		redirected.Content = action.Content + misrouteNote(action.To)
		w.queue.PushResume(redirected)
		return
	}
	w.logger.Error("动作目标不存在", slog.String("to", action.To), slog.String("from", action.From), slog.Any("error", err))
	w.appendContext(ContextItem{Role: RoleError, Content: errorEntry(action.From, action.To, err)})
}

func (w *Workflow) turnsFor(action Action) []llm.Message {
	turns := make([]llm.Message, 0, 2+len(action.Metadata.Attachments))
	switch {
	case action.To != RoleRouter:
		turns = append(turns, llm.SystemMessage(taskSystemPrompt(w.replyFormat)))
	case action.Type == ActionFollowup:
		turns = append(turns, llm.SystemMessage(followupSystemPrompt(action, w.replyFormat)))
	}
	relevant, ok := w.log.Relevant(action)
	turns = append(turns, llm.UserMessage(taskUserMessage(relevant, ok, action.Content)))
	for _, attachment := range attachmentMessages(action.Metadata.Attachments) {
		turns = append(turns, llm.UserMessage(attachment))
	}
	return turns
}

func (w *Workflow) handleReply(action Action, resp *llm.Response) {
	reply, source := classifyReply(resp)
	w.noteReplySource(action, source)

	switch {
	case reply.Kind == KindFollowup && action.To != RoleRouter:
		w.logger.Info("智能体发起追问", slog.String("agent", action.To), slog.String("question", truncate(reply.Payload, 200)))
		w.queue.PushResume(Action{
			Type:    ActionFollowup,
			From:    action.To,
			To:      RoleRouter,
			Content: reply.Payload + dependencySummary(action),
			Metadata: Metadata{
				Dependencies: action.Metadata.Dependencies,
				Attachments:  action.Metadata.Attachments,
				OriginalTask: action.Content,
				OriginalFrom: action.From,
			},
		})

	case action.To == RoleRouter && action.Type == ActionFollowup:
		if reply.Kind != KindAnswer {
			w.logger.Warn("路由器回复缺少 answer 标记，按直接回答处理", slog.String("kind", string(reply.Kind)))
		}
		batch := []Action{{
			Type:     ActionResponse,
			From:     RoleRouter,
			To:       action.From,
			Content:  reply.Payload,
			Metadata: Metadata{IsTaskComplete: true},
		}}
		if action.Metadata.OriginalFrom != "" && action.Metadata.OriginalTask != "" {
			question, _, _ := strings.Cut(action.Content, followupContextSeparator)
			batch = append(batch, Action{
				Type:    ActionRequest,
				From:    RoleRouter,
				To:      action.From,
				Content: resumedTaskContent(action.Metadata.OriginalTask, strings.TrimSpace(question), reply.Payload),
				Metadata: Metadata{
					Dependencies: action.Metadata.Dependencies,
					Attachments:  action.Metadata.Attachments,
				},
			})
		}
		w.logger.Info("路由器已回答追问", slog.String("to", action.From), slog.String("answer", truncate(reply.Payload, 200)))
		w.queue.PushResume(batch...)

	case reply.Kind == KindComplete:
		w.logger.Info("智能体完成任务", slog.String("agent", action.To))
		w.queue.PushResume(completeAction(action, reply.Payload))

	default:
		w.logger.Warn("回复类别与动作不匹配，按完成处理",
			slog.String("agent", action.To),
			slog.String("kind", string(reply.Kind)))
		w.queue.PushResume(completeAction(action, reply.Payload))
	}
}

func completeAction(action Action, content string) Action {
	return Action{
		Type:     ActionComplete,
		From:     action.To,
		To:       action.From,
		Content:  content,
		Metadata: Metadata{IsTaskComplete: true},
	}
}

func (w *Workflow) noteReplySource(action Action, source replySource) {
	expected := sourceObject
	if w.replyFormat == ReplyMarkers {
		expected = sourceMarker
	}
	switch source {
	case expected:
		return
	case sourceRaw:
		w.logger.Warn("回复未使用约定格式，按完成处理",
			slog.String("agent", action.To),
			slog.String("reply_format", string(w.replyFormat)))
	default:
		w.logger.Warn("回复格式回退",
			slog.String("agent", action.To),
			slog.String("reply_format", string(w.replyFormat)),
			slog.String("parsed_from", string(source)))
	}
}
