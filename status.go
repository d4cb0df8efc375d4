package taskrelay

// Status is the lifecycle state of a task record.
type Status string

const (
	// StatusQueued means the task was accepted and published but no worker reported yet.
	StatusQueued Status = "queued"
	// StatusInProgress means a worker reported that it started.
	StatusInProgress Status = "in_progress"
	// StatusCompleted is terminal and carries a result.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal and carries an error.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is completed, failed or cancelled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DeliveryStatus is the state of a queued transport delivery.
type DeliveryStatus string

const (
	// DeliveryPending means the delivery is waiting for a relay worker.
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryDelivered means every subscriber accepted the delivery.
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryDead means the delivery will not be retried.
	DeliveryDead DeliveryStatus = "dead"
)
