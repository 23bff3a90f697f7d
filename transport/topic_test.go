package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

func TestTopic_Validate(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		wantErr error
	}{
		{name: "names", topic: Topics("a", "b")},
		{name: "pattern", topic: Pattern("orders-.*")},
		{name: "both", topic: Topic{Topics: []string{"a"}, Pattern: "b"}, wantErr: errspkg.ErrTopicConflict},
		{name: "neither", topic: Topic{}, wantErr: errspkg.ErrTopicRequired},
		{name: "empty list", topic: Topics(), wantErr: errspkg.ErrTopicRequired},
		{name: "blank name", topic: Topics(""), wantErr: errspkg.ErrTopicRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errspkg.IsConfigurationError(err))
		})
	}
}

func TestTopic_Matcher(t *testing.T) {
	match, err := Pattern("orders-.*").Matcher()
	require.NoError(t, err)
	assert.True(t, match("orders-eu"))
	assert.False(t, match("old-orders-eu"))
	assert.False(t, match("payments"))

	match, err = Pattern("a|b").Matcher()
	require.NoError(t, err)
	assert.True(t, match("a"))
	assert.False(t, match("ab"))

	match, err = Topics("a", "b").Matcher()
	require.NoError(t, err)
	assert.True(t, match("b"))
	assert.False(t, match("c"))

	_, err = Pattern("(").Matcher()
	assert.ErrorIs(t, err, errspkg.ErrInvalidPattern)
}

func TestTopic_Resolve(t *testing.T) {
	got, err := Pattern("orders-.*").Resolve([]string{"orders-eu", "payments", "orders-us", "orders-eu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-eu", "orders-us"}, got)

	got, err = Topics("x", "y").Resolve([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestTopic_String(t *testing.T) {
	assert.Equal(t, "a,b", Topics("a", "b").String())
	assert.Equal(t, "pattern:a.*", Pattern("a.*").String())
}

func TestTags_String(t *testing.T) {
	tag := MessageTag{ConsumerID: 7, TopicPartition: TopicPartition{Topic: "orders", Partition: 2}, Offset: 11}
	assert.Equal(t, "orders[2]", tag.TopicPartition.String())
	assert.Contains(t, tag.String(), "orders[2]")
	assert.Contains(t, tag.String(), "11")
}
