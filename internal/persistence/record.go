package persistence

import (
	"time"
)

const (
	OutcomeProcessed = "processed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Record is the durable form of one message's run. At most one record exists
// per MessageID.
type Record struct {
	MessageID        string                 `json:"message_id" bson:"_id"`
	Outcome          string                 `json:"outcome" bson:"outcome"`
	Stage            string                 `json:"stage,omitempty" bson:"stage,omitempty"`
	Reason           string                 `json:"reason,omitempty" bson:"reason,omitempty"`
	Error            string                 `json:"error,omitempty" bson:"error,omitempty"`
	Source           string                 `json:"source,omitempty" bson:"source,omitempty"`
	Sequence         uint64                 `json:"sequence" bson:"sequence"`
	Payload          []byte                 `json:"payload,omitempty" bson:"payload,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty" bson:"attributes,omitempty"`
	Pipeline         string                 `json:"pipeline" bson:"pipeline"`
	PipelineVersion  string                 `json:"pipeline_version,omitempty" bson:"pipeline_version,omitempty"`
	MessageTimestamp time.Time              `json:"message_timestamp" bson:"message_timestamp"`
	StoredAt         time.Time              `json:"stored_at" bson:"stored_at"`
}

// WriteResult describes what an upsert did to the stored state.
type WriteResult int

const (
	WriteCreated WriteResult = iota
	WriteUpdated
	WriteUnchanged
)

func (r WriteResult) String() string {
	switch r {
	case WriteCreated:
		return "created"
	case WriteUpdated:
		return "updated"
	case WriteUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

func (r Record) clone() Record {
	out := r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Attributes != nil {
		out.Attributes = copyMap(r.Attributes)
	}
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
