package publish

import (
	"encoding/json"
	"strings"
)

// MetricBucket is one parsed entry from a metric_buckets item payload.
type MetricBucket struct {
	Name      string            `json:"name"`
	Value     json.RawMessage   `json:"value"`
	Timestamp uint64            `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ParseMetricBuckets decodes a metric_buckets item payload into its
// individual buckets.
func ParseMetricBuckets(payload []byte) ([]MetricBucket, error) {
	var buckets []MetricBucket
	err := json.Unmarshal(payload, &buckets)
	return buckets, err
}

// metricNamespace extracts the namespace segment of a metric resource
// identifier, e.g. "d:transactions/duration@millisecond" -> "transactions".
func metricNamespace(name string) (string, bool) {
	colon := strings.IndexByte(name, ':')
	if colon < 0 {
		return "", false
	}
	rest := name[colon+1:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", false
	}
	return rest[:slash], true
}
