package rpcsvc

import "time"

func (c *Conn) touchRead() {
	c.lastRead.Store(time.Now().UnixNano())
}

func (c *Conn) touchWrite() {
	c.lastWrite.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent read or write.
func (c *Conn) LastActivity() time.Time {
	r, w := c.lastRead.Load(), c.lastWrite.Load()
	if w > r {
		r = w
	}
	return time.Unix(0, r)
}

// startPing arms the ping timer. The connection is torn down when it has
// been silent in both directions for PingTimeout.
func (c *Conn) startPing() {
	timeout := c.svc.cfg.PingTimeout
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	c.pingTimer = time.AfterFunc(timeout, c.pingCheck)
	c.mu.Unlock()
}

func (c *Conn) pingCheck() {
	timeout := c.svc.cfg.PingTimeout
	idle := time.Since(c.LastActivity())

	c.mu.Lock()
	if c.state != ConnConnected || c.pingTimer == nil {
		c.mu.Unlock()
		return
	}
	if idle < timeout {
		c.pingTimer.Reset(timeout - idle)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Warn("Connection to %s has been silent for %v, disconnecting", c, idle.Round(time.Millisecond))
	c.Deinit()
}

// stopPing disarms the ping timer. Called with mu held.
func (c *Conn) stopPing() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}
