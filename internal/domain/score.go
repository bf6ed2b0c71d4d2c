package domain

// scoreBase strictly dominates the time term: timestamps in seconds fit
// well under 1e11, so any higher workflow priority always outranks a
// lower one regardless of age.
const scoreBase = 1e15

// QueueScore computes the pending-queue ordering score for a job.
// The queue is a max-ordered sorted set, so higher scores are claimed
// first. Subtracting seconds-since-epoch makes older submissions rank
// higher within a priority band, and using the workflow datetime keeps
// every step of a workflow clustered at the workflow's original slot.
func QueueScore(workflowPriority int, workflowDatetimeMS int64) float64 {
	return float64(workflowPriority)*scoreBase - float64(workflowDatetimeMS/1000)
}

// Score returns the job's pending-queue score from its inherited
// workflow fields. Release and retry paths reuse it so a recycled job
// re-enters at the same logical slot.
func (j Job) Score() float64 {
	return QueueScore(j.WorkflowPriority, j.WorkflowDatetime)
}
