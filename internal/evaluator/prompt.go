package evaluator

import (
	"fmt"
	"strings"

	"github.com/aegis-agents/chatbot/internal/teams"
)

func evaluationPrompt(in Input, c *teams.Catalog) string {
	action := "None"
	if in.UserInput == "" && in.LatestAction != "" {
		action = in.LatestAction
	}
	display := "None"
	if len(in.DashboardCards) > 0 {
		names := make([]string, len(in.DashboardCards))
		for i, card := range in.DashboardCards {
			names[i] = "[" + string(card.Type) + "]"
		}
		display = strings.Join(names, ", ")
	}
	modify := "None"
	if in.ConversationCard != nil {
		modify = "[" + string(in.ConversationCard.Type) + "]"
	}
	suggestions := "(none)"
	if len(in.Suggestions) > 0 {
		suggestions = strings.Join(in.Suggestions, ", ")
	}

	return strings.TrimSpace(fmt.Sprintf(`
You serve in the Aegis Agents project, which is an AI driven chatbot with automation investment service (Auto-Fi) for users.
You work with the workers from the following teams:
%s
You are an evaluator for the Aegis Agents chatbot. Evaluate ONLY the current turn using the provided inputs. Do not use any external knowledge. Your job is to produce three scores and six boolean assertions, plus a short reasoning. Be strict but fair.

Inputs (current turn only):
- User Input: %s
- User Action: %s
- Assistant Reply: %s
- Display UIs (read-only): %s
- Modification UIs (require user confirmation in next turn): %s
- Assistant Suggestions: %s

Evaluation principles:
- Relevance: Is the reply directly responsive to the latest User Input or Action? Penalize off-topic replies, generic fluff and scope violations (outside Aegis/Web3).
- Accuracy/Consistency: No fabricated facts or numbers without UI/tool evidence. Respect domain boundaries (assets vs positions vs project vs instrument).
- UI Compliance:
  - Display UIs are read-only. Acknowledging a display is fine; never claim completion of changes.
  - Modification UIs require user confirmation in next turn.
  - Penalize "finish/already shown/completed" claims without matching evidence this turn.

Decide the following boolean assertions (true/false). Treat the lists above as ground truth for this turn.
- premature_finish: Assistant implies the task is finished while no Display or Modification UI was opened this turn.
- missing_tool_call: Assistant claims something was shown/opened but both Display and Modification UI lists are empty.
- modify_claimed_complete: A Modification UI appears this turn, yet the assistant does not claim completion or request user confirmation.
- repeated_display: Assistant re-opens exactly the same Display artifact in the same turn without user change request. If uncertain, false.
- domain_mismatch: The reply uses the wrong domain to answer the question (e.g., uses assets data to answer a positions question, or project metrics for an instrument-specific request).
- hallucination_numbers: The reply states specific numbers/metrics with no UI evidence this turn.

Scoring rules (0.0 to 1.0):
- relevance_score: 1.0 means fully on-topic.
- accuracy_score: Penalize domain_mismatch, hallucination_numbers and fabrications.
- ui_compliance_score: Penalize premature_finish, missing_tool_call, modify_claimed_complete and repeated_display.

Output requirements:
- Call %s exactly once with the structured result.
- Keep reasoning concise (<=120 words); cite this turn only. Write in English.
- Scores must be within [0,1] with at most two decimals.
`, c.Describe(), orNone(in.UserInput), action, orNone(in.Generator), display, modify, suggestions, toolName))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
