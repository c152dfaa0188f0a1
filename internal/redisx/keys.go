package redisx

import "time"

const (
	// Checkout lock: checkout:lock:{source_kind}:{source_id} -> owner token
	KeyCheckoutLock = "checkout:lock:%s:%s"

	// Cache status order: order_status:{order_id} -> {"order_id": "...", "status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Provider bearer token: momo:token:{target_env}
	KeyMoMoToken = "momo:token:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
