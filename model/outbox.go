package model

import "time"

// OutboxMessage is a row in one of the per-type outbox tables: an outgoing
// message that has been decided on, but not yet handed to the broker. The
// row is the single source of truth for "has been decided to send".
type OutboxMessage struct {
	ID         int64     `json:"id"`
	Exchange   string    `json:"exchange"`
	RoutingKey string    `json:"routing_key"`
	Payload    []byte    `json:"payload"`
	InsertedAt time.Time `json:"inserted_at"`
}
