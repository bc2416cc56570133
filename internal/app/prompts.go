package app

// SuggestedPrompts are the starter questions shown under the input
// until the candidate sends their first message.
func SuggestedPrompts() []string {
	return []string{
		"What does the interview process look like?",
		"Where is the office located?",
		"What's the team culture like?",
		"Are there good coffee spots nearby?",
	}
}
