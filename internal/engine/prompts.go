package engine

import (
	"strings"

	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/teams"
)

const excerptLimit = 600

func orNone(s, none string) string {
	if strings.TrimSpace(s) == "" {
		return none
	}
	return s
}

// latestAction is the action shown to the model; user input takes precedence.
func latestAction(st *state.TaskState) string {
	if st.UserInput != "" {
		return "(No user action.)"
	}
	return orNone(st.LatestUserAction(), "(No user action.)")
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) > excerptLimit {
		return string(r[:excerptLimit])
	}
	return s
}

func rawMessages(entries []state.Entry, sep string) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = " * " + e.Content
	}
	return strings.Join(lines, sep)
}

func generatorPrompt(st *state.TaskState, c *teams.Catalog) string {
	return teams.ProjectIntro + `
You are the user's personal knowledge companion. Always communicate in a friendly, natural, and conversational tone. Occasionally using emojis to please the user.
You work with one supervisor and workers from the following teams:
` + c.Describe() + `
Your responsibilities:
- Generate replies based on user's latest input or latest action and the latest conversation context.
---
Latest user-visible reply to the previous conversation from you, if any:
` + orNone(st.LastGeneratorResult, "(None)") + `

User's latest input:
` + orNone(st.UserInput, "(No user input.)") + `

User's latest action:
` + latestAction(st) + `
---

**Instructions:**
- **NEVER** guess or make up any answer.
- **NEVER** summarize the whole task, apologize repeatedly, or refer to yourself as an agent, AI, or assistant.
- The supervisor's instructions are NOT for you.
- Do not mention any team, worker, taskId, instrument id or process details to Users.
- Only handle user issues and requests related to the Aegis Agents project or blockchain web3. If the user's request exceeds your business scope, politely apologize and refuse the user.
- Always write in ` + st.Language + `.
- For modification operations, if no confirmed UI has been displayed in the current task (messages after "[System]: Task ` + st.TaskID + ` started"), do NOT acknowledge the UI or guide the user to confirm/select in the interface. Prefer phrasing like "I can help to open the modification interface for you.".
- When a **modification** UI (that requires user confirmation rather than just for display purposes) has been displayed in the CURRENT task (messages after "[System]: Task ` + st.TaskID + ` started"), do NOT claim the action is completed. Acknowledge the UI and guide the user to confirm/select in the interface.
---
` + teams.Glossary + `
---

--- BEGIN NON-BINDING ADDITIONAL CONTEXT ---

[NON-BINDING ADDITIONAL CONTEXT: REFERENCE ONLY]

Scope
- Applies to the CURRENT task only (messages after "[System]: Task ` + st.TaskID + ` started").
- Content may be incomplete or noisy; treat as hints, not evidence.

Strict constraints
- Do NOT infer completion from anything in this block.
- Do NOT use this block to introduce actions, confirm success.
- If any item here conflicts with the latest user input or tool evidence, IGNORE it.

Lightweight excerpts (non-authoritative; ignore if conflicting)
- Summary snapshot (may be stale): ` + excerpt(st.Summary) + `
- Optional raw messages (large; low priority; ignore on conflict):
` + rawMessages(st.Messages, "\n\n\n") + `

--- END NON-BINDING ADDITIONAL CONTEXT ---
`
}

const suggestToolName = "suggest_input"

func suggesterPrompt(st *state.TaskState, c *teams.Catalog) string {
	return `
---
Here is the latest context:
* Summary of historical messages:
  ` + st.Summary + `
* Latest messages:
` + rawMessages(st.Messages, "\n") + `
---
` + teams.ProjectIntro + `
You work with one supervisor and workers from the following teams:
` + c.Describe() + `
Based on the user's latest input/action and reply, generate 3 concise and relevant smart input suggestions (short follow-up questions or actions the user might take next).
Each suggestion must be directly relevant and written in ` + st.Language + `.
Only handle user input related to the Aegis Agents project or blockchain web3. If the user's request exceeds the scope, make suggestions an empty array.

The supervisor's instructions are NOT for you.
Do NOT repeat or rephrase the main answer.
Do NOT make up unrelated suggestions.
Do Not mention any team, worker, taskId or process details.

User's latest input:
` + orNone(st.UserInput, "(No user input.)") + `

User's latest action:
` + latestAction(st) + `

Reply to the user's latest input:
` + st.LastGeneratorResult + `
`
}

const summaryRules = `
- Do not mention teams, workers, agents, or tools.
- Do NOT claim that something is already shown/completed or that no action is required. Always reflect the latest user intent as actionable.
- Reflect pending states explicitly: use phrases like "UI displayed; awaiting user confirmation" instead of implying completion.
- Treat user intents as intentions, not as completed facts. Use "wants to ..." rather than "updated to ..." unless explicit confirmation of completion exists.
- This summary is internal; do not address the user.

Output format example:
- User intent: ...
- Key fact: ...
- Key fact: ...
`

func summaryPrompt(existing string) string {
	if existing != "" {
		return `
You will update an existing concise bullet summary for internal routing.

Existing summary:
---
` + existing + `
---

Update rules:
- Always write in English.
- Keep bullets-only; max 12 bullets; each ≤ 24 words.
- Edit-over-rewrite: merge new facts, remove outdated ones, avoid duplication.
- Focus ONLY on:
  • User intent/current goals
  • New or changed key facts/decisions
- No narration, no greetings, no meta commentary, no platform promos.` + summaryRules
	}
	return `
Create a summary in English of the conversation above.
Summarize the conversation above as a compact internal state for routing and retrieval.
Output rules:
- Always write in English.
- Bullets only; 6-10 bullets; each bullet ≤ 24 words.
- No storytelling, no greetings, no apologies, no marketing.
- Include ONLY:
  • User intent/current goals
  • Key facts/decisions (amounts, assets, strategy names)
- Remove duplicates; prefer terse phrases over sentences.` + summaryRules
}
