package orders

const (
	TopicCheckoutCompleted      = "checkout.completed"
	TopicCheckoutCancelled      = "checkout.cancelled"
	TopicPaymentUnresolved      = "payment.unresolved"
	TopicReconciliationRequired = "payment.reconciliation_required"
	TopicPaymentReconciled      = "payment.reconciled"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
