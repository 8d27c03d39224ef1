package schema

// Event types published on the streaming hub.
const (
	EventSequenceChanged = "sequence.changed"
	EventStepStarted     = "step.started"
	EventStepSucceeded   = "step.succeeded"
	EventStepFailed      = "step.failed"
	EventStepRearmed     = "step.rearmed"
	EventRunStarted      = "run.started"
	EventRunCompleted    = "run.completed"
	EventRunHalted       = "run.halted"
	EventAssistMatched   = "assist.matched"
	EventAssistGenerated = "assist.generated"
	EventAssistDiscarded = "assist.discarded"
)
