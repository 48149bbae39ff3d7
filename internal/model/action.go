package model

// ActionType names a dispatchable command. The set is closed: controllers
// register handlers for these at construction and the dispatcher treats any
// other value as an unknown-action error.
type ActionType string

const (
	ActionAnalyzeBehavior ActionType = "ANALYZE_BEHAVIOR"
	ActionSummarize       ActionType = "SUMMARIZE"
	ActionExplainPassage  ActionType = "EXPLAIN_PASSAGE"

	ActionAddReply        ActionType = "ADD_REPLY"
	ActionUpdateReply     ActionType = "UPDATE_REPLY"
	ActionRemoveReply     ActionType = "REMOVE_REPLY"
	ActionAddHighlight    ActionType = "ADD_HIGHLIGHT"
	ActionRemoveHighlight ActionType = "REMOVE_HIGHLIGHT"

	ActionShowNextSuggestion ActionType = "SHOW_NEXT_SUGGESTION"
	ActionAcceptSuggestion   ActionType = "ACCEPT_SUGGESTION"
	ActionRejectSuggestion   ActionType = "REJECT_SUGGESTION"
	ActionDismissSuggestion  ActionType = "DISMISS_SUGGESTION"
)

// Controller names as they appear in suggestion keys and action routing.
const (
	ControllerAIAgent     = "AIAgent"
	ControllerInteraction = "Interaction"
	ControllerSuggestions = "Suggestions"
)
