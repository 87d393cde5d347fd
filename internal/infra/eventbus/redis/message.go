package redis

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/transitwatch/gtfs-sync/internal/domain/trigger"
)

// Stream entry fields. Both are optional.
const (
	fieldForce   = "force"
	fieldJobType = "jobType"
)

func encodeTrigger(t trigger.Trigger) map[string]any {
	values := map[string]any{fieldForce: strconv.FormatBool(t.Force)}
	if t.JobType != "" {
		values[fieldJobType] = t.JobType
	}
	return values
}

// decodeTrigger reads a stream entry. Unknown fields are ignored and a
// missing or unparseable force field means false.
func decodeTrigger(msg redis.XMessage) trigger.Trigger {
	t := trigger.Trigger{ID: msg.ID}
	if v, ok := msg.Values[fieldForce]; ok && v != nil {
		t.Force = trigger.ParseForce(fmt.Sprint(v))
	}
	if v, ok := msg.Values[fieldJobType]; ok && v != nil {
		t.JobType = fmt.Sprint(v)
	}
	return t
}
