package ports

import "context"

// Topics published by the services
const (
	TopicConnected     = "auth.connected"
	TopicAccessRequest = "access.requested"
	TopicAccessHandled = "access.handled"
	TopicMemberChanged = "member.changed"
	TopicNotabotFunded = "notabot.funded"
	TopicNotabotCommit = "notabot.committed"
)

// EventPublisher publishes domain events to other instances and observers
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, payload any) error
}
