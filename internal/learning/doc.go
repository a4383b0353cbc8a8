// Package learning runs tasks with memory-enriched input and learns from
// their outcomes.
//
// A Coordinator executes one task at a time through a fixed sequence:
//
//	gather   retrieve ranked memories for the task type, keywords and tags
//	enrich   append their lessons to the input, dropping lowest-ranked first
//	         when the payload would exceed the size limit
//	execute  wait for the optional rate limiter, then call the external
//	         Executor under an optional timeout
//	evaluate score the configured criteria and decide success
//	learn    update the success-rate EMA and persist a new memory
//	plateau  detect when the success rate stops moving
//
// Execution failures never escape Run: the report falls back to the original
// input and the failure is recorded as a low-confidence episodic memory.
// Memory subsystem errors are logged and otherwise ignored.
package learning
