package main

// BuildConversationHistory pairs each stored user message with the assistant verdict
// that immediately follows it, oldest first. Messages that do not form such a pair are
// skipped. It must be called before the in-flight question is stored.
// Returns nil when there is no history.
func BuildConversationHistory(messages []Message) []ConversationHistoryEntry {
	var history []ConversationHistoryEntry

	for i := 0; i < len(messages); {
		msg := messages[i]
		if msg.Role == RoleUser && i+1 < len(messages) {
			next := messages[i+1]
			if next.Role == RoleAssistant && next.Stage3 != nil && next.Stage3.Response != "" {
				history = append(history, ConversationHistoryEntry{
					Question: msg.Content,
					Verdict:  next.Stage3.Response,
				})
				i += 2
				continue
			}
		}
		i++
	}

	return history
}
