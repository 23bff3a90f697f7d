package transport

import (
	"fmt"
	"regexp"
	"strings"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// Topic describes what a consumer subscribes to: either a fixed list of
// topic names or a pattern, never both.
type Topic struct {
	Topics  []string
	Pattern string
}

// Topics subscribes to the named topics.
func Topics(names ...string) Topic {
	return Topic{Topics: names}
}

// Pattern subscribes to every topic matching pattern. Most backends treat it
// as a regular expression; JetStream treats it as a subject wildcard.
func Pattern(pattern string) Topic {
	return Topic{Pattern: pattern}
}

// IsPattern reports whether the subscription is pattern based.
func (t Topic) IsPattern() bool {
	return t.Pattern != ""
}

// Validate enforces that exactly one of Topics and Pattern is set.
func (t Topic) Validate() error {
	hasTopics := len(t.Topics) > 0
	switch {
	case hasTopics && t.IsPattern():
		return errspkg.NewConfigurationError(errspkg.ErrTopicConflict)
	case !hasTopics && !t.IsPattern():
		return errspkg.NewConfigurationError(errspkg.ErrTopicRequired)
	}
	for _, name := range t.Topics {
		if strings.TrimSpace(name) == "" {
			return errspkg.NewConfigurationError(fmt.Errorf("%w: empty topic name", errspkg.ErrTopicRequired))
		}
	}
	return nil
}

// Matcher returns a predicate selecting topic names covered by t. Pattern
// subscriptions must match the whole name.
func (t Topic) Matcher() (func(string) bool, error) {
	if !t.IsPattern() {
		names := make(map[string]struct{}, len(t.Topics))
		for _, name := range t.Topics {
			names[name] = struct{}{}
		}
		return func(topic string) bool {
			_, ok := names[topic]
			return ok
		}, nil
	}
	re, err := regexp.Compile("^(?:" + t.Pattern + ")$")
	if err != nil {
		return nil, errspkg.NewConfigurationError(fmt.Errorf("%w: %v", errspkg.ErrInvalidPattern, err))
	}
	return re.MatchString, nil
}

// Resolve filters available down to the topics covered by t. For an
// explicit list the names are returned as given.
func (t Topic) Resolve(available []string) ([]string, error) {
	if !t.IsPattern() {
		return append([]string(nil), t.Topics...), nil
	}
	match, err := t.Matcher()
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]struct{})
	for _, name := range available {
		if _, dup := seen[name]; dup || !match(name) {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

func (t Topic) String() string {
	if t.IsPattern() {
		return "pattern:" + t.Pattern
	}
	return strings.Join(t.Topics, ",")
}
