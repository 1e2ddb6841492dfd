package events

// Topic constants for domain events emitted by the platform.
const (
	TopicOrderCreated          = "order.created"
	TopicOrderPaymentCompleted = "order.payment_completed"
	TopicPaymentSettled        = "payment.settled"
	TopicPaymentDeclined       = "payment.declined"
	TopicPaymentTimedOut       = "payment.timed_out"
	TopicPaymentCancelled      = "payment.cancelled"
	TopicScheduleDueOverdue    = "schedule.due_overdue"
	TopicReconDiscrepancy      = "recon.discrepancy_found"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderPaymentCompleted,
		TopicPaymentSettled,
		TopicPaymentDeclined,
		TopicPaymentTimedOut,
		TopicPaymentCancelled,
		TopicScheduleDueOverdue,
		TopicReconDiscrepancy,
	}
}
