package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Config holds the settings for the Kafka trigger stream.
type Config struct {
	Brokers []string
	// Topic carries trigger records.
	Topic string
	// GroupID is the consumer group. All workers share one group so that each
	// trigger is handled by exactly one of them.
	GroupID  string
	ClientID string
}

// maxRunDuration bounds how long a single handled trigger may hold its
// partition before sarama considers the consumer stuck.
const maxRunDuration = 30 * time.Minute

func saramaConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = sarama.V3_6_0_0

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.MaxProcessingTime = maxRunDuration
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 10 * time.Second

	// Triggers are keyed by id; ordering across keys does not matter.
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 5

	return sc
}
