package health

import (
	"context"
	"fmt"
	"runtime"
)

// PingCheck reports a backing store reachable or not. Stores such as the
// PostgreSQL index and the Redis lock manager expose a Ping method.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy, Message: "Connected"}
	}
}

// TransactionBacklogCheck degrades once the number of open transactions
// reaches limit. A non-positive limit only reports the count.
func TransactionBacklogCheck(openCount func() int, limit int) CheckFunc {
	return func(context.Context) Check {
		open := openCount()
		check := Check{
			Status:  StatusHealthy,
			Details: map[string]any{"open_transactions": open},
		}
		if limit > 0 && open >= limit {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d open transactions (limit %d)", open, limit)
		}
		return check
	}
}

// EventDeliveryCheck degrades when event deliveries have been dropped
// because subscribers fell behind.
func EventDeliveryCheck(dropped func() uint64) CheckFunc {
	return func(context.Context) Check {
		n := dropped()
		check := Check{
			Status:  StatusHealthy,
			Details: map[string]any{"dropped_events": n},
		}
		if n > 0 {
			check.Status = StatusDegraded
			check.Message = "Event subscribers are dropping messages"
		}
		return check
	}
}

// MemoryCheck degrades when the heap uses more than 90% of the memory
// obtained from the OS.
func MemoryCheck() CheckFunc {
	return memoryCheck(func() (alloc, sys uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, m.Sys
	})
}

func memoryCheck(usage func() (alloc, sys uint64)) CheckFunc {
	return func(context.Context) Check {
		alloc, sys := usage()
		check := Check{
			Status:  StatusHealthy,
			Message: "Memory usage normal",
			Details: map[string]any{"alloc_bytes": alloc, "sys_bytes": sys},
		}
		if sys > 0 && float64(alloc)/float64(sys) > 0.9 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		}
		return check
	}
}
