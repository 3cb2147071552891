package stats

import (
	"sort"
	"strings"
	"time"
)

// Tags qualify a metric, e.g. {"stage": "validate"}.
type Tags map[string]string

type Kind int

const (
	KindCounter Kind = iota
	KindTimer
)

func (k Kind) String() string {
	if k == KindTimer {
		return "timer"
	}
	return "counter"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Series is the aggregated state of one name+tags combination. For counters
// Sum is the counter value and Count the number of updates.
type Series struct {
	Name      string    `json:"name"`
	Tags      Tags      `json:"tags,omitempty"`
	Kind      Kind      `json:"kind"`
	Count     int64     `json:"count"`
	Sum       float64   `json:"sum"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Series) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

func (s *Series) record(value float64, now time.Time) {
	if s.Count == 0 || value < s.Min {
		s.Min = value
	}
	if s.Count == 0 || value > s.Max {
		s.Max = value
	}
	s.Count++
	s.Sum += value
	s.UpdatedAt = now
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `=`, `\=`, `{`, `\{`, `}`, `\}`)

// Key renders the canonical snapshot key: name{k1=v1,k2=v2} with tags sorted.
// Separators inside tag names and values are backslash-escaped.
func Key(name string, tags Tags) string {
	if len(tags) == 0 {
		return name
	}
	keys := sortedKeys(tags)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(keyEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(tags[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func sortedKeys(tags Tags) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneTags(tags Tags) Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(Tags, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of every series.
type Snapshot struct {
	StartedAt time.Time         `json:"started_at"`
	TakenAt   time.Time         `json:"taken_at"`
	Series    map[string]Series `json:"series"`
}

func (s Snapshot) Uptime() time.Duration {
	return s.TakenAt.Sub(s.StartedAt)
}

func (s Snapshot) Get(name string, tags Tags) (Series, bool) {
	series, ok := s.Series[Key(name, tags)]
	return series, ok
}

// Value returns the counter value (or timer sum) for name+tags, 0 when absent.
func (s Snapshot) Value(name string, tags Tags) float64 {
	series, ok := s.Get(name, tags)
	if !ok {
		return 0
	}
	return series.Sum
}

// Total sums the counter values of name across all tag combinations.
func (s Snapshot) Total(name string) float64 {
	var total float64
	for _, series := range s.Series {
		if series.Name == name {
			total += series.Sum
		}
	}
	return total
}

// Rate returns the per-second rate of a counter over the meter's uptime.
func (s Snapshot) Rate(key string) float64 {
	series, ok := s.Series[key]
	uptime := s.Uptime().Seconds()
	if !ok || uptime <= 0 {
		return 0
	}
	return series.Sum / uptime
}
