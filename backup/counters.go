package backup

// Counters tracks backup activity across every managed resource.
type Counters struct {
	TotalSnapshots int64
	TotalPruned    int64
	TotalFailures  int64
}

func (p *Plugin) bumpPruned() {
	p.mu.Lock()
	p.counters.TotalPruned++
	p.mu.Unlock()
}

func (p *Plugin) bumpSnapshot() {
	p.mu.Lock()
	p.counters.TotalSnapshots++
	p.mu.Unlock()
}

// Counters returns a point-in-time copy of the plugin's activity counters.
func (p *Plugin) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}
