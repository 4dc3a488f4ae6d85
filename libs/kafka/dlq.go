package kafka

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a handler failure that retrying cannot fix.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err error, reason string, attempts int) DLQPayload {
	p := DLQPayload{
		Reason:    reason,
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}
	if msg != nil {
		p.OriginalTopic = msg.Topic
		p.Partition = msg.Partition
		p.Offset = msg.Offset
		p.Key = string(msg.Key)
		if len(msg.Value) > 0 {
			p.Payload = base64.StdEncoding.EncodeToString(msg.Value)
		}
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// PublishFailurePayload reports a record the producer side could not deliver.
type PublishFailurePayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	EventID       string    `json:"event_id,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishFailurePayload(msg Message, lastErr string, reason string, attempts int, at time.Time) PublishFailurePayload {
	return PublishFailurePayload{
		OriginalTopic: msg.Topic,
		Key:           msg.Key,
		EventID:       msg.Headers[HeaderEventID],
		Error:         lastErr,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       base64.StdEncoding.EncodeToString(msg.Value),
		Timestamp:     at.UTC(),
	}
}
