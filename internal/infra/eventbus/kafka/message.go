package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
)

// triggerMessage is the JSON value of a trigger record. Every field is
// optional; an empty value is an unforced fire signal.
type triggerMessage struct {
	Force   looseBool `json:"force,omitempty"`
	JobType string    `json:"job_type,omitempty"`
}

// looseBool accepts a JSON boolean or a string such as "true" or "yes".
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = looseBool(x)
	case string:
		*b = looseBool(trigger.ParseForce(x))
	case nil:
		*b = false
	default:
		return fmt.Errorf("force: unsupported value %s", data)
	}
	return nil
}

func encodeTrigger(t trigger.Trigger) ([]byte, error) {
	return json.Marshal(triggerMessage{Force: looseBool(t.Force), JobType: t.JobType})
}

// decodeTrigger builds a trigger from a consumed record. The record key, when
// present, becomes the trigger id; otherwise the id is the record position.
func decodeTrigger(msg *sarama.ConsumerMessage) (trigger.Trigger, error) {
	t := trigger.Trigger{ID: string(msg.Key)}
	if t.ID == "" {
		t.ID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	value := bytes.TrimSpace(msg.Value)
	if len(value) == 0 {
		return t, nil
	}

	var m triggerMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return t, fmt.Errorf("decoding trigger at %s: %w", t.ID, err)
	}
	t.Force = bool(m.Force)
	t.JobType = m.JobType
	return t, nil
}
