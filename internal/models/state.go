// Package models defines the chatbot state machine vocabulary.
package models

// ChatState is the current node in the deterministic auto-reply state machine,
// stored per Conversation.
type ChatState string

const (
	// StateStart is the initial state of every new conversation.
	StateStart ChatState = "START"
	// StateQualifying asks the contact to choose promotion or packages.
	StateQualifying ChatState = "QUALIFYING"
	// StateDecision asks whether to continue automated or request a human advisor.
	StateDecision ChatState = "DECISION"
	// StateShowingPlans renders the active plan catalog.
	StateShowingPlans ChatState = "SHOWING_PLANS"
	// StateHumanHandoff is terminal: a human advisor takes over, the bot stays silent.
	StateHumanHandoff ChatState = "HUMAN_HANDOFF"
	// StateCompleted is terminal: purchase intent was registered, the bot stays silent.
	StateCompleted ChatState = "COMPLETED"
)

// IsValidChatState checks if the given chatbot state is one of the known nodes.
func IsValidChatState(s ChatState) bool {
	switch s {
	case StateStart, StateQualifying, StateDecision, StateShowingPlans, StateHumanHandoff, StateCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is silent: once entered, further inbound
// messages produce no automated reply.
func (s ChatState) IsTerminal() bool {
	return s == StateHumanHandoff || s == StateCompleted
}
