package chat

// Broadcast enqueues a DELIVER task against every other live connection
// (C7). Skips the sender and any connection whose state is CLOSING or ERR
// (§4.6, "Broadcast"). Best-effort: a connection whose queue is backed up
// still gets the task enqueued — per-connection serialization, not
// dropping, is this system's backpressure story (§1 Non-goals).
func Broadcast(reg *Registry, pool *WorkerPool, sender *Connection, displayName, message string) {
	reg.Each(func(c *Connection) {
		if c == sender {
			return
		}
		c.Lock()
		state := c.State()
		c.Unlock()
		if state == StateClosing || state == StateErr {
			return
		}

		frame, err := EncodeDeliver(displayName, message)
		if err != nil {
			return
		}
		c.addPending(1)
		pool.Submit(Task{Conn: c, Event: Event{Kind: EventOutboundDeliver, Frame: frame}})
	})
}
