package replset

// Matches reports whether m is the member d describes: same host, and for
// arbiters also arbiterOnly. A data member matches any entry with its host.
func (d DesiredMember) Matches(m Member) bool {
	if m.Host != d.HostPort() {
		return false
	}
	if d.IsArbiter() {
		return m.ArbiterOnly
	}
	return true
}

// Satisfied reports whether cfg already reflects state for d. It is a pure
// function and is consulted before every mutation.
func Satisfied(d DesiredMember, cfg *MembershipConfig, state State) bool {
	found := false
	if cfg != nil {
		for _, m := range cfg.Members {
			if d.Matches(m) {
				found = true
				break
			}
		}
	}
	if state == StateAbsent {
		return !found
	}
	return found
}

// hostIndex returns the position of the first member with d's host
// regardless of role, or -1.
func hostIndex(d DesiredMember, cfg *MembershipConfig) int {
	hp := d.HostPort()
	for i, m := range cfg.Members {
		if m.Host == hp {
			return i
		}
	}
	return -1
}
