package workflow

// ActionQueue 是两级优先队列：续接通道优先于任务通道。
//
// 续接通道承载追问链上新产生的动作，保证一条追问链在兄弟任务推进之前完成；
// 任务通道只承载路由器给出的初始任务，按顺序处理。
type ActionQueue struct {
	resume []Action
	tasks  []Action
}

// PushResume 把一批动作放到队首，批内保持给定的先后顺序。
func (q *ActionQueue) PushResume(actions ...Action) {
	if len(actions) == 0 {
		return
	}
	merged := make([]Action, 0, len(actions)+len(q.resume))
	merged = append(merged, actions...)
	q.resume = append(merged, q.resume...)
}

// PushTask 把动作追加到任务通道末尾。
func (q *ActionQueue) PushTask(action Action) {
	q.tasks = append(q.tasks, action)
}

// Pop 取出下一个动作。
func (q *ActionQueue) Pop() (Action, bool) {
	if len(q.resume) > 0 {
		next := q.resume[0]
		q.resume = q.resume[1:]
		return next, true
	}
	if len(q.tasks) > 0 {
		next := q.tasks[0]
		q.tasks = q.tasks[1:]
		return next, true
	}
	return Action{}, false
}

// Peek 返回下一个动作但不移除。
func (q *ActionQueue) Peek() (Action, bool) {
	if len(q.resume) > 0 {
		return q.resume[0], true
	}
	if len(q.tasks) > 0 {
		return q.tasks[0], true
	}
	return Action{}, false
}

// Len 返回排队中的动作数量。
func (q *ActionQueue) Len() int {
	return len(q.resume) + len(q.tasks)
}

// Snapshot 按出队顺序返回队列内容的副本。
func (q *ActionQueue) Snapshot() []Action {
	out := make([]Action, 0, q.Len())
	out = append(out, q.resume...)
	return append(out, q.tasks...)
}
