package proc

// Snapshot returns a StatLine for every allocated process slot, in PID order, for introspection
// tooling (climon's "ps"-like command). It takes the table lock only long enough to copy the slots
// it reports on.
func (t *Table) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]string, 0, len(t.procs))

	for i := 1; i < len(t.procs); i++ {
		if t.procs[i].State == StateFree {
			continue
		}

		lines = append(lines, t.procs[i].StatLine())
	}

	return lines
}
