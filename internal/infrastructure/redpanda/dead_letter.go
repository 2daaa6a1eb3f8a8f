package redpanda

import (
	"encoding/json"
	"time"
)

// DeadLetter is the envelope written to the dead letter topic. Payload holds
// the original value when it was JSON, Raw holds it otherwise.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Key           string          `json:"key,omitempty"`
	Source        string          `json:"source"`
	Reason        string          `json:"reason"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Raw           string          `json:"raw,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

// NewDeadLetter wraps a failed message
func NewDeadLetter(source, topic, key string, value []byte, reason error, failedAt time.Time) DeadLetter {
	dl := DeadLetter{
		OriginalTopic: topic,
		Key:           key,
		Source:        source,
		FailedAt:      failedAt.UTC(),
	}
	if reason != nil {
		dl.Reason = reason.Error()
	}
	if json.Valid(value) {
		dl.Payload = json.RawMessage(value)
	} else {
		dl.Raw = string(value)
	}
	return dl
}

// Record returns the dead letter as a record for TopicDeadLetter
func (d DeadLetter) Record() (Record, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Topic: TopicDeadLetter,
		Key:   d.Key,
		Value: value,
		Headers: map[string]string{
			HeaderOriginalTopic: d.OriginalTopic,
			HeaderError:         d.Reason,
		},
	}, nil
}
