package outbox

// Event is the envelope for billing facts fanned out to other services.
// EventType doubles as the Kafka topic name, and AccountID becomes the
// partition key so deliveries for one account stay ordered.
type Event struct {
	AccountID string
	EventType string
	Payload   []byte
}
