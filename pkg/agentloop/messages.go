// Package agentloop implements the per-step worker routine that drives the
// multi-turn agent conversation: history init/resume, LLM calls, code-action
// extraction and execution, observation feedback, and the terminal
// completeStep/failStep call into the Job Service (spec §4.4).
package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/repairctl/pkg/llmclient"
)

// maxHistoryChars is the coarse token-estimate safety threshold (≈150k
// tokens at 4 chars/token) beyond which a persisted history is discarded and
// a fresh one started (spec §4.4 step 3).
const maxHistoryChars = 150_000 * 4

// deserializeHistory parses a persisted JSON array of {role, content}
// messages. If the serialized size exceeds maxHistoryChars, the caller
// should discard it and start fresh rather than resume (spec §4.4 step 3).
func deserializeHistory(serialized string) ([]llmclient.Message, bool) {
	if len(serialized) > maxHistoryChars {
		return nil, false
	}
	var messages []llmclient.Message
	if err := json.Unmarshal([]byte(serialized), &messages); err != nil {
		return nil, false
	}
	return messages, true
}

// serializeHistory renders the conversation as the JSON array form persisted
// on the step row (spec §9: "serialize as a JSON array of {role, content}
// objects").
func serializeHistory(messages []llmclient.Message) (string, error) {
	b, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("serialize conversation history: %w", err)
	}
	return string(b), nil
}
