package processor

const (
	MetricStageEntered      = "stage_entered_total"
	MetricStageSucceeded    = "stage_succeeded_total"
	MetricStageRejected     = "stage_rejected_total"
	MetricStageFailed       = "stage_failed_total"
	MetricStageDuration     = "stage_duration_ms"
	MetricPipelineCompleted = "pipeline_completed_total"
	MetricPipelineDuration  = "pipeline_duration_ms"
	MetricPersistenceErrors = "persistence_errors_total"
)
