package api

import (
	"encoding/json"
	"time"

	"msgflow/internal/persistence"
	"msgflow/internal/pipeline"
	"msgflow/internal/processor"
	"msgflow/internal/stats"
	"msgflow/pkg/models"
)

// IngestRequest is the body of POST /messages. A missing id is generated.
type IngestRequest struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    json.RawMessage        `json:"payload" swaggertype:"object"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (r IngestRequest) envelope() models.Envelope {
	return models.Envelope{
		ID:         r.ID,
		Source:     r.Source,
		Timestamp:  r.Timestamp,
		Payload:    r.Payload,
		Attributes: r.Attributes,
	}
}

type OutcomeResponse struct {
	ID              string                 `json:"id"`
	Outcome         string                 `json:"outcome"`
	Pipeline        string                 `json:"pipeline"`
	PipelineVersion string                 `json:"pipeline_version,omitempty"`
	Stage           string                 `json:"stage,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Sequence        uint64                 `json:"sequence"`
	DurationMS      float64                `json:"duration_ms"`
	Payload         json.RawMessage        `json:"payload,omitempty" swaggertype:"object"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

func newOutcomeResponse(out processor.Outcome) OutcomeResponse {
	env := models.EnvelopeFrom(out.Message)
	return OutcomeResponse{
		ID:              out.Message.ID,
		Outcome:         out.Kind.String(),
		Pipeline:        out.Pipeline,
		PipelineVersion: out.PipelineVersion,
		Stage:           out.Stage,
		Reason:          out.Reason,
		Error:           out.ErrorText(),
		Sequence:        out.Message.Sequence,
		DurationMS:      float64(out.Duration) / float64(time.Millisecond),
		Payload:         env.Payload,
		Attributes:      env.Attributes,
	}
}

// RecordResponse is a stored record with its payload rendered as JSON when it
// is JSON and as a string otherwise.
type RecordResponse struct {
	MessageID        string                 `json:"message_id"`
	Outcome          string                 `json:"outcome"`
	Stage            string                 `json:"stage,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Source           string                 `json:"source,omitempty"`
	Sequence         uint64                 `json:"sequence"`
	Payload          json.RawMessage        `json:"payload,omitempty" swaggertype:"object"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	Pipeline         string                 `json:"pipeline"`
	PipelineVersion  string                 `json:"pipeline_version,omitempty"`
	MessageTimestamp time.Time              `json:"message_timestamp"`
	StoredAt         time.Time              `json:"stored_at"`
}

func newRecordResponse(rec *persistence.Record) RecordResponse {
	payload := models.EnvelopeFrom(models.Message{Payload: rec.Payload}).Payload
	return RecordResponse{
		MessageID:        rec.MessageID,
		Outcome:          rec.Outcome,
		Stage:            rec.Stage,
		Reason:           rec.Reason,
		Error:            rec.Error,
		Source:           rec.Source,
		Sequence:         rec.Sequence,
		Payload:          payload,
		Attributes:       rec.Attributes,
		Pipeline:         rec.Pipeline,
		PipelineVersion:  rec.PipelineVersion,
		MessageTimestamp: rec.MessageTimestamp,
		StoredAt:         rec.StoredAt,
	}
}

type StageResponse struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
}

type PipelineResponse struct {
	Name    string          `json:"name"`
	Version string          `json:"version,omitempty"`
	Stages  []StageResponse `json:"stages"`
}

func newPipelineResponse(p *pipeline.Pipeline) PipelineResponse {
	stages := make([]StageResponse, 0, p.Len())
	for _, s := range p.Stages() {
		stages = append(stages, StageResponse{Name: s.Name(), Policy: s.Policy().String()})
	}
	return PipelineResponse{
		Name:    p.Name(),
		Version: p.Version(),
		Stages:  stages,
	}
}

type StatsResponse struct {
	StartedAt     time.Time               `json:"started_at"`
	TakenAt       time.Time               `json:"taken_at"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Records       *int64                  `json:"records,omitempty"`
	Series        map[string]stats.Series `json:"series"`
}

func newStatsResponse(snap stats.Snapshot) StatsResponse {
	return StatsResponse{
		StartedAt:     snap.StartedAt,
		TakenAt:       snap.TakenAt,
		UptimeSeconds: snap.Uptime().Seconds(),
		Series:        snap.Series,
	}
}
