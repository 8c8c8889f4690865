package tracing

// Span attribute keys used across the executor and healer.
const (
	AttrTaskID       = "task.id"
	AttrTaskPriority = "task.priority"
	AttrTaskFeature  = "task.feature"

	AttrModelName = "model.name"
	AttrCliKind   = "cli.kind"
	AttrPoolName  = "pool.name"

	AttrAttempt  = "attempt.number"
	AttrExitCode = "exit.code"

	AttrPatternName  = "pattern.name"
	AttrHealAction   = "heal.action"
	AttrHealOutcome  = "heal.outcome"
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Span names.
const (
	SpanExecuteTask = "executor.execute"
	SpanAttempt     = "executor.attempt"
	SpanPoolAcquire = "pool.acquire"
	SpanHealerMatch = "healer.match"
	SpanHealerApply = "healer.apply"
	SpanLLMAnalyze  = "healer.llm_analyze"
)

// Span event names.
const (
	EventModelSelected    = "model.selected"
	EventModelSwitched    = "model.switched"
	EventFallbackActive   = "fallback.activated"
	EventCacheCleared     = "cache.cleared"
	EventBreakerOpened    = "breaker.opened"
	EventRateLimitSleep   = "rate_limit.sleep"
	EventWisdomRecorded   = "wisdom.recorded"
	EventRecoverySkipped  = "recovery.skipped"
	EventRecoveryEnqueued = "recovery.enqueued"
)
