package kafka

import (
	"errors"

	"deskchat/logger"

	"github.com/Shopify/sarama"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// EnsureTopic 不存在就创建；已存在且分区数少于期望值时扩分区（只能增不能减）
func EnsureTopic(admin sarama.ClusterAdmin, c Config) error {
	c.norm()
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return pkgerrors.Wrapf(err, "describe topic %s", c.Topic)
	}
	exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

	if !exists {
		// 生产更安全：rf>=3 则至少 2
		minISR := "1"
		if c.ReplicationFactor >= 3 {
			minISR = "2"
		}
		td := &sarama.TopicDetail{
			NumPartitions:     c.PartitionsPerTopic,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				logger.Info("[Kafka] topic exists (race)", zap.String("topic", c.Topic))
				return nil
			}
			return pkgerrors.Wrapf(err, "create topic %s", c.Topic)
		}
		logger.Info("[Kafka] topic created", zap.String("topic", c.Topic), zap.Int32("partitions", c.PartitionsPerTopic))
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.PartitionsPerTopic > cur {
		if err := admin.CreatePartitions(c.Topic, c.PartitionsPerTopic, nil, false); err != nil {
			return pkgerrors.Wrapf(err, "expand partitions %s from %d to %d", c.Topic, cur, c.PartitionsPerTopic)
		}
		logger.Info("[Kafka] partitions expanded", zap.String("topic", c.Topic), zap.Int32("from", cur), zap.Int32("to", c.PartitionsPerTopic))
	}
	return nil
}

func strPtr(s string) *string { return &s }
