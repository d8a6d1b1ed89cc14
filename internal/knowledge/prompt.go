package knowledge

import (
	"fmt"
	"strings"

	"github.com/c2stem/copa/internal/domain"
)

const analystRole = "You are an AI tutor analyzing a student's thought process based on their conversation history."

func conceptPrompt(problem, editorial string) []domain.Message {
	user := fmt.Sprintf(`A student is learning physics through coding simulations.

---- Problem ----
%s
---- Editorial ----
%s
---- End ----

List the physics and programming concepts a student must understand to solve this problem,
and summarize in one sentence what the solution requires.

Respond with strictly valid JSON and no extra text:
{"concepts": ["concept1", "concept2", ...], "summary": "..."}`, problem, editorial)

	return []domain.Message{
		{Role: domain.RoleSystem, Content: analystRole},
		{Role: domain.RoleUser, Content: user},
	}
}

func analysisPrompt(history []domain.Message, current State) []domain.Message {
	user := fmt.Sprintf(`A student is learning physics through coding simulations. Here is their conversation history so far:

---- Conversation History ----
%s
---- End of Conversation ----

Here is their current knowledge state:
%s

For every concept, decide whether the student:
- understands it correctly ("%s"),
- struggles with it but recognizes their lack of knowledge ("%s"),
- holds a misconception they are unaware of ("%s").

Keep exactly the same concept keys: do not add or remove any.
Respond with strictly valid JSON and no extra text:
{"concepts": {"<concept>": "<marker>", ...}, "summary": "<one paragraph>"}`,
		formatHistory(history), current.JSON(), Known, KnownUnknown, UnknownUnknown)

	return []domain.Message{
		{Role: domain.RoleSystem, Content: analystRole},
		{Role: domain.RoleUser, Content: user},
	}
}

func formatHistory(history []domain.Message) string {
	parts := make([]string, 0, len(history))
	for _, m := range history {
		if m.Role == domain.RoleSystem {
			continue
		}
		role := string(m.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		parts = append(parts, role+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
