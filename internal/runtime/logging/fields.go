package logging

import "maps"

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// Field names shared by every livewire log line about a message.
const (
	FieldMessageID = "message_id"
	FieldTopic     = "topic"
	FieldComponent = "component"
)

// MessageFields identifies a message in log output. An empty topic is left out.
func MessageFields(messageID, topic string) LogFields {
	fields := LogFields{FieldMessageID: messageID}
	if topic != "" {
		fields[FieldTopic] = topic
	}
	return fields
}

// With returns a copy of f extended with extra; extra wins on conflicts.
func (f LogFields) With(extra LogFields) LogFields {
	merged := make(LogFields, len(f)+len(extra))
	maps.Copy(merged, f)
	maps.Copy(merged, extra)
	return merged
}

// ForComponent scopes log to a named livewire component such as "outbox".
func ForComponent(log ServiceLogger, component string) ServiceLogger {
	return OrNop(log).With(LogFields{FieldComponent: component})
}
