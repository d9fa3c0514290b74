package supervisor

import (
	"fmt"
	"strings"

	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/teams"
)

const excerptLimit = 600

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func systemPrompt(c *teams.Catalog) string {
	return "You serve in the Aegis Agents project, which is an AI driven automation investment service (Auto-Fi) for users on the blockchain.\n" +
		"You are a supervisor tasked with managing a conversation between the following teams with workers: " +
		strings.Join(c.TeamNames(), ",") + ". \n" +
		c.Describe() +
		" Given the following user request, respond with the workers to act next. Each worker will perform a" +
		" task and respond with their results and status. When finished, respond with FINISH.\n\n" +
		" **Your responsibilities:** \n" +
		" - Select strategically to minimize the number of steps taken. \n" +
		" - Provide necessary information to the teams based on the current task messages if necessary. \n" +
		" - Only handle user issues and requests related to the Aegis Agents project or blockchain web3. If the user's request exceeds the scope, set outOfScope=true and finish the workflow.\n\n" +
		"---\n" + teams.Glossary + "\n\n" +
		"Routing rules:\n" +
		"If the user asks about balances/funding, depositing/withdrawing tokens → Assets domain.\n" +
		"If the user asks about profit, PNL, ROE, current holdings inside strategies → Positions domain.\n" +
		"If the user asks about the whole platform's TVL/APY → Project domain.\n" +
		"If the user asks about a specific market/vault/pool by name/instrument_id, or \"which instrument is hot/best APY\" → Instrument domain.\n" +
		"If the user asks about an on-chain address, token balance or transaction → OnChainDataWorker.\n" +
		"Never use assets tool's result to answer positions questions, and vice versa.\n" +
		"Never use project tool's result to answer instrument-specific questions, and vice versa.\n"
}

// contextPrompt carries non-binding hints. Supervisor and worker entries of
// earlier tasks are left out so they cannot be mistaken for evidence.
func contextPrompt(st *state.TaskState, c *teams.Catalog) string {
	last := strings.TrimSpace(st.LastGeneratorResult)
	if last == "" {
		last = "(None)"
	} else {
		last = truncate(last, excerptLimit)
	}

	var raw []string
	for _, e := range st.Messages {
		routing := e.Role == state.RoleSupervisor || c.IsWorker(e.Role)
		if routing && !strings.Contains(e.Content, st.TaskID) {
			continue
		}
		raw = append(raw, " * "+e.Content)
	}

	return `
--- BEGIN NON-BINDING ADDITIONAL CONTEXT ---

[NON-BINDING ADDITIONAL CONTEXT: REFERENCE ONLY]

This block is for minimal situational awareness. It MUST NOT influence routing or override the current turn.

Scope
- Content may be incomplete or noisy; treat as hints, not evidence.

Priority order (highest to lowest)
1) The user's latest explicit input in the current task.
2) Tool results and system/tool messages in the current task.
3) Your core routing rules.
4) This additional context (reference only).

Strict constraints
- Do NOT infer completion from anything in this block.
- Do NOT use this block to introduce actions, confirm success, or decide finish=true.
- Do NOT infer completion or repetition from Generator text.
- If any item here conflicts with the latest user input or tool evidence, IGNORE it.
- Use it only to deduplicate display-only repeats or to recover lightweight parameters (e.g., last instrument_id) when unambiguous.

Lightweight excerpts (non-authoritative; ignore if conflicting)
- Latest user-visible reply (may be incomplete): ` + last + `
- Summary snapshot (may be stale): ` + truncate(st.Summary, excerptLimit) + `
- Optional raw messages (large; low priority; ignore on conflict):
` + strings.Join(raw, "\n\n") + `

--- END NON-BINDING ADDITIONAL CONTEXT ---
`
}

func routingPrompt(taskID string, c *teams.Catalog) string {
	var choices strings.Builder
	for _, t := range c.Teams() {
		names := make([]string, len(t.Workers))
		for i, w := range t.Workers {
			names[i] = w.Name
		}
		fmt.Fprintf(&choices, "  * %s: %s\n", t.Name, strings.Join(names, ", "))
	}

	return fmt.Sprintf(`
You are the conversation supervisor. Decide which workers should act next or whether to finish.

Context
- Current taskId: %[1]s
- Conversation messages above include a system note like "[System]: Task %[1]s started" marking the start of this task.

Rules for assignment
1) Parallelism:
   - At most one modification operation (state-changing) worker at a time.
   - Display-only workers can run in parallel with a modification worker.
   - Example: AssetsWorker's [deposit] can run with QueryWorker's [show user positions]; StrategyWorker's [change strategy] cannot run in parallel with another modification worker.

2) Finish policy:
   - Consider ONLY messages starting with "[Task %[1]s]" as evidence for this decision.
   - Ignore any messages with other taskIds for repetition checks or completion judgment.
   - If a modification UI that REQUIRES user confirmation was sent in current task %[1]s, set finish=true.
   - If such a UI was sent in a previous turn (different taskId), do NOT auto-finish. Inspect the latest user input and plan for the new request.
   - If the user wants data analysis and you believe that the worker has provided enough relevant data in current task %[1]s, you can finish the worker flow and set finish=true.

3) No repetition within the same taskId:
   - Do NOT reassign an action that is equivalent to any action already executed AFTER "[System]: Task %[1]s started".
   - "Equivalent" means same intent/output (e.g., showing the same hot instruments list, the same chart without new parameters).
   - If the requested display-only output has already been shown during this task and the user has NOT made a new specific request, return finish=true and actions=[].
   - This restriction applies only within the current taskId. A new user input starts a new taskId and permits fresh queries.
   - For every action set "tool" to the tool you expect the worker to call and "args" to its parameters. Use "none" for workers without tools (SelfRAG).

4) Scope and tone:
   - Only handle requests related to the Aegis Agents project or blockchain web3. Otherwise set outOfScope=true and finish the workflow.
   - Do NOT mention teams, workers or taskId in reasoning.

5) Latest user-visible reply (Generator):
   - If there is no new user input, align planning with that reply when reasonable (e.g., follow up on the offered next step).
   - Do NOT treat suggestions or displayed UIs in that reply as completed actions.

6) Evidence boundaries:
   - Only consider messages AFTER "[System]: Task %[1]s started" as evidence of actions in the current task.
   - Ignore older messages and the conversation summary for repetition checks.

Return format
- Call the route tool with "finish", "outOfScope" and "actions": an array of { team, worker, instruction }
- team choices: %[2]s
- worker choices by team:
%[3]s
Examples
{
  "finish": false,
  "actions": [
    { "team": "AutoFiTeam", "worker": "AssetsWorker", "instruction": "The user wants to deposit USDC." },
    { "team": "AutoFiTeam", "worker": "QueryWorker", "instruction": "Query the user's positions." }
  ]
}

or, when finishing:
{
  "finish": true,
  "actions": []
}
`, taskID, strings.Join(c.TeamNames(), ","), choices.String())
}
