package transport

import (
	"cmp"
	"fmt"
)

// TopicPartition identifies one ordered offset stream.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Compare orders partitions by topic, then partition number.
func (tp TopicPartition) Compare(other TopicPartition) int {
	return cmp.Or(cmp.Compare(tp.Topic, other.Topic), cmp.Compare(tp.Partition, other.Partition))
}

// MessageTag identifies the origin of a received message: the consumer that
// received it, the partition it was read from and its offset there. Tags are
// plain values; two tags are equal when all fields are equal.
type MessageTag struct {
	ConsumerID uint64
	TopicPartition
	Offset int64
}

func (t MessageTag) String() string {
	return fmt.Sprintf("consumer=%d %s@%d", t.ConsumerID, t.TopicPartition, t.Offset)
}
