package poller

import "sync/atomic"

// Cursor is the smallest update id not yet consumed. It only moves forward.
// Zero means "nothing consumed yet"; fetching from it yields whatever the
// platform still holds.
type Cursor struct {
	v atomic.Int64
}

func (c *Cursor) Value() int64 { return c.v.Load() }

// Observe marks id as consumed. Ids below the cursor leave it unchanged.
// It reports whether the cursor moved.
func (c *Cursor) Observe(id int64) bool {
	for {
		cur := c.v.Load()
		if id < cur {
			return false
		}
		if c.v.CompareAndSwap(cur, id+1) {
			return true
		}
	}
}
