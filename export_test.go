// Copyright 2026 Refconn Authors
// Licensed under the LGPLv3, see LICENCE file for details.

package refconn

// TableSize reports the number of live object table entries, for
// tests observing distributed reference counting.
func TableSize(c *Conn) int {
	return c.table.size()
}

// TableRefs reports the reference count behind handle, zero once the
// entry has been collected.
func TableRefs(c *Conn, handle uint64) int {
	return c.table.refs(handle)
}

// PingerRounds reports the number of ping round trips the pinger has
// completed successfully.
func PingerRounds(p *Pinger) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rounds
}
