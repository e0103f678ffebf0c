package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"ZeeWorkflow/internal/agent"
)

// 回复协议的文本标记。
const (
	MarkerFollowup = "FOLLOWUP:"
	MarkerComplete = "COMPLETE:"
	MarkerAnswer   = "ANSWER:"
)

const (
	routerDescription  = "You coordinate information flow between agents and assign tasks to achieve the user's goal."
	endgameDescription = "You conclude the workflow based on all completed tasks."

	followupContextSeparator = "\n\nContext:"
)

var endgameInstructions = []string{
	"Review all completed tasks and compile in a single response.",
	"Ensure the response addresses the original goal.",
}

var planExample = []Task{
	{
		Instructions: []string{"Analyze the logo design"},
		Attachments:  [][]Attachment{{{Type: "image", Image: "https://example.com/logo.png"}}},
		Dependencies: []string{},
	},
	{
		Instructions: []string{"Write brand guidelines based on logo analysis"},
		Attachments:  [][]Attachment{},
		Dependencies: []string{"Needs logo analysis to write guidelines"},
	},
}

func plannerDescription(goal string) string {
	return fmt.Sprintf("You are a task planner that wants to complete the user's goal - \"%s\".", goal)
}

func plannerInstructions() []string {
	example, _ := json.MarshalIndent(planExample, "", "  ")
	return []string{
		"Plan the user's goal into smaller sequential tasks.",
		"Do NOT create a task that is not directly related to the user's goal.",
		"Do NOT create a final compilation task.",
		"Return a JSON array of tasks, where each task has:\n" +
			"- instructions: array of instructions for completing the task\n" +
			"- attachments: array of attachments items, each being an array of objects with {type: 'image', image: url} or {type: 'file', data: url, mimeType: mimeType}\n" +
			"- dependencies: array of strings describing what this task needs from other tasks\n" +
			"Example response format:\n" + string(example),
		"Return ONLY the JSON array, no other text",
	}
}

type agentSummary struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Instructions []string `json:"instructions"`
}

func routingPrompt(agents []*agent.Agent) string {
	summaries := make([]agentSummary, 0, len(agents))
	for _, ag := range agents {
		summaries = append(summaries, agentSummary{
			Name:         ag.Name(),
			Description:  ag.Description(),
			Instructions: ag.Instructions(),
		})
	}
	encoded, _ := json.Marshal(summaries)
	return "The available agents are: " + string(encoded) + "\n" +
		"For each task:\n" +
		"1. Analyze the task requirements\n" +
		"2. Select the most suitable agent based on their name, description, and instructions\n" +
		"3. Convert the dependencies from string[] to {agentName: string, task: string}[]:\n" +
		"   - For each dependency, determine which agent should handle it\n" +
		"   - Create objects with \"agentName\" and \"task\" fields instead of string dependencies\n" +
		"4. Return a JSON array where each item includes the original task data plus:\n" +
		"   - agentName: string (the name of the chosen agent)\n" +
		"   - dependencies: the restructured dependencies array with objects\n" +
		"5. Reorder the tasks based on the dependencies for easier processing\n\n" +
		"IMPORTANT: Return ONLY the JSON array, no other text"
}

func taskSystemPrompt(format ReplyFormat) string {
	var respond string
	if format == ReplyStructured {
		respond = "Instructions for responding:\n" +
			"- Reply with a JSON object {\"kind\": ..., \"payload\": ...}\n" +
			"- If you need more information, use kind \"followup\" and put your question in payload\n" +
			"- If this is your answer, use kind \"complete\" and put your response in payload"
	} else {
		respond = "Instructions for responding:\n" +
			"- If you need more information, start with \"" + MarkerFollowup + "\" followed by your question\n" +
			"- If this is your answer, start with \"" + MarkerComplete + "\" followed by your response."
	}
	return "You have to:\n" +
		"1. Complete your task by providing an answer ONLY for the 'Current task' from the context.\n" +
		"2. If the answer in not in the context, try to avoid asking for more information.\n" +
		"3. If you ABSOLUTELY need additional information to complete your task, request more information by asking a question\n\n" +
		respond
}

func followupSystemPrompt(action Action, format ReplyFormat) string {
	var b strings.Builder
	b.WriteString("You're handling a followup question from an agent who needs more information to complete their task.\n")
	if action.Metadata.OriginalFrom != "" {
		fmt.Fprintf(&b, "\nQuestion from: '%s'", action.Metadata.OriginalFrom)
	}
	if action.Metadata.OriginalTask != "" {
		fmt.Fprintf(&b, "\nOriginal task: %s", action.Metadata.OriginalTask)
	}
	b.WriteString("\n\nYou have access to the COMPLETE context of all previous communications between agents.\n" +
		"Use this full context to provide the most accurate and helpful answer.\n\n" +
		"Your job is to provide a direct, helpful answer based on the complete context and your knowledge.\n" +
		"Be specific and thorough in your response, as the agent is relying on your expertise.\n\n")
	if format == ReplyStructured {
		b.WriteString("Reply with a JSON object whose kind is \"answer\" and whose payload is your answer.")
	} else {
		b.WriteString("Start your response with \"" + MarkerAnswer + "\" followed by your answer.\n" +
			"Example: \"" + MarkerAnswer + " The script should use standard screenplay format.\"")
	}
	return b.String()
}

func taskUserMessage(relevant string, ok bool, content string) string {
	if !ok {
		relevant = "none"
	}
	return "Relevant context -> " + relevant + "\nCurrent task -> " + content
}

func dependencySummary(action Action) string {
	names := action.dependencyNames()
	if len(names) == 0 {
		return followupContextSeparator + " Agent has no explicit dependencies"
	}
	return followupContextSeparator + " Agent has dependencies on: " + strings.Join(names, ", ")
}

func resumedTaskContent(originalTask, question, answer string) string {
	return fmt.Sprintf("%s\n\nYou previously asked: \"%s\"\n\nAnswer from router: %s\n\nPlease complete your task with this information.",
		originalTask, question, answer)
}

func misrouteNote(target string) string {
	return fmt.Sprintf("\n\nNOTE: This was originally directed to '%s' but that agent doesn't exist. Please handle this followup request.", target)
}

func errorEntry(from, to string, err error) string {
	return fmt.Sprintf("Error in communication between %s -> %s: %v", from, to, err)
}

func attachmentMessages(groups [][]Attachment) []string {
	out := make([]string, 0, len(groups))
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		encoded, err := json.Marshal(group)
		if err != nil {
			continue
		}
		out = append(out, string(encoded))
	}
	return out
}
