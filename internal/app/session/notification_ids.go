package session

import (
	"math/rand/v2"
	"sync/atomic"
)

// Notification ids start at a random point so ids of different processes
// rarely collide with notifications still shown from an earlier run.
const (
	minNotificationSeed = 10000
	maxNotificationSeed = 1000000
)

// NotificationIDs allocates notification ids from a process-wide counter.
type NotificationIDs struct {
	next atomic.Int64
}

// NewNotificationIDs starts the counter at seed.
func NewNotificationIDs(seed int) *NotificationIDs {
	n := new(NotificationIDs)
	n.next.Store(int64(seed))
	return n
}

// RandomNotificationIDs seeds the counter uniformly in [10000, 1000000).
func RandomNotificationIDs() *NotificationIDs {
	return NewNotificationIDs(minNotificationSeed + rand.IntN(maxNotificationSeed-minNotificationSeed))
}

// Next returns the next unused id.
func (n *NotificationIDs) Next() int { return int(n.next.Add(1) - 1) }
