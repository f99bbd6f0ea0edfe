package iclock

import "time"

// CommandRecord tracks one command from queueing to the terminal's reply.
type CommandRecord struct {
	ID          int64      `json:"id"`
	Text        string     `json:"command"`
	Remote      string     `json:"remote,omitempty"`
	QueuedAt    time.Time  `json:"queuedAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	StaleAt     *time.Time `json:"staleAt,omitempty"`
	BytesSent   int        `json:"bytesSent"`
}

// Status summarises the lifecycle position of the command.
func (c CommandRecord) Status() string {
	switch {
	case c.RespondedAt != nil:
		return "responded"
	case c.StaleAt != nil:
		return "stale"
	case c.DeliveredAt != nil:
		return "delivered"
	default:
		return "queued"
	}
}

// Awaiting reports a delivered command that has not been answered.
func (c CommandRecord) Awaiting() bool {
	return c.DeliveredAt != nil && c.RespondedAt == nil
}
