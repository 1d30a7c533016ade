package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/finchat-dev/finchat/pkg/chat"
)

// digestMax bounds the payload excerpt inside a single summary line. The
// payload itself is already capped by the registry's per-tool ceiling; this
// keeps the synthetic turn readable when several tools ran.
const digestMax = 600

// resultLine renders one tool outcome as a single line the model (or the
// fallback answer) can read. Raw payload dumps never enter the window as
// tool-role messages; a bounded excerpt inside the line is all the model
// gets to answer from.
func resultLine(r chat.ToolResult) string {
	if !r.Success {
		return fmt.Sprintf("- %s failed: %s", r.Name, r.ErrorMessage)
	}
	line := fmt.Sprintf("- %s returned: %s", r.Name, digest(r.Payload))
	if r.Truncated {
		line += fmt.Sprintf(" (result truncated, %d bytes total)", r.SerializedSize)
	}
	return line
}

// resultsPrompt joins per-tool lines into the synthetic user turn for the
// final completion round.
func resultsPrompt(results []chat.ToolResult) string {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(resultLine(r))
	}
	b.WriteString("\n\nAnswer the user's question using these results.")
	return b.String()
}

// fallbackAnswer is the best-effort reply when the final completion round
// cannot be reached: the tool outcomes, stated directly.
func fallbackAnswer(results []chat.ToolResult) string {
	var b strings.Builder
	b.WriteString("I could not finish composing an answer, but here is what I found:\n")
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(resultLine(r))
	}
	return b.String()
}

// digest returns a bounded single-line excerpt of a JSON payload. Payloads
// come from json.Marshal, so they are compact and newline-free already.
func digest(payload []byte) string {
	if len(payload) == 0 {
		return "ok"
	}
	s := string(payload)
	if len(s) <= digestMax {
		return s
	}
	cut := digestMax
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
