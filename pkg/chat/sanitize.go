package chat

// Sanitize returns history with structurally invalid tool turns removed.
//
// A tool message is kept only when the most recent assistant message before
// it carries a toolCalls entry matching its toolCallId and no earlier tool
// message already answered that id. Everything else passes through in order.
// Upstream failures mid-exchange can leave orphan tool turns in the session
// store; transmitting them would get the whole request rejected, so this runs
// on every load and before every append.
//
// Sanitize is idempotent: sanitizing an already-sanitized history returns an
// equal sequence.
func Sanitize(history []Message) []Message {
	if len(history) == 0 {
		return history
	}

	out := make([]Message, 0, len(history))
	pending := make(map[string]struct{})

	for _, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			// A new assistant turn supersedes any unanswered calls from
			// earlier turns; results for those can no longer be transmitted.
			pending = make(map[string]struct{}, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending[tc.ID] = struct{}{}
				}
			}
			out = append(out, msg)

		case RoleTool:
			if msg.ToolCallID == "" {
				continue
			}
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue // orphan or duplicate
			}
			delete(pending, msg.ToolCallID)
			out = append(out, msg)

		default:
			out = append(out, msg)
		}
	}

	return out
}
