package prompts

import "fmt"

// Introduction is the greeting an agent opens a session with.
func Introduction(agentName string) string {
	return fmt.Sprintf("Hi, I'm %s, a collaborative peer agent! Is there something I can help you with?", agentName)
}

// RephraseInstruction is the system prompt used to vary the introduction.
const RephraseInstruction = "Rephrase this introduction:\n"

// DomainContextSuffix is appended once to the system message after retrieval.
func DomainContextSuffix(domainContext string) string {
	return "\n\nDomain Context:\n" + domainContext
}

// FirstTurn formats the opening user message, which carries the task context.
func FirstTurn(taskContext, query, studentModel string) string {
	return fmt.Sprintf("Task Context:\n%s\n\nStudent Query:\n%s\n\nStudent Computational Model:\n%s",
		taskContext, query, studentModel)
}

// FollowUp formats later user messages; the student model is re-attached
// each turn because it may have changed.
func FollowUp(query, studentModel string) string {
	return fmt.Sprintf("%s\n\nStudent Computational Model:\n%s", query, studentModel)
}
