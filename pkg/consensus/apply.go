package consensus

import "github.com/nqdb/nqdb/pkg/nerr"

// Propose appends data as a new log entry if this node is leader with a
// valid lease and quorum, per spec §4.8's write-path gating: either check
// failing steps the node down immediately and returns the matching error,
// on the theory that a leader whose lease or quorum has lapsed may already
// be stale even if it hasn't observed a higher term.
func (m *Manager) Propose(data []byte) (index uint64, token FencingToken, err error) {
	m.mu.Lock()
	if m.role != RoleLeader {
		m.mu.Unlock()
		return 0, FencingToken{}, m.notLeaderErr()
	}
	if !m.lease.isValid() {
		term := m.currentTerm
		m.becomeFollowerLocked(term, "")
		m.mu.Unlock()
		return 0, FencingToken{}, &nerr.LeaseExpired{}
	}
	reachable := len(m.reachablePeers) + 1
	needed := (len(m.nextIndex)+1)/2 + 1
	if reachable < needed {
		term := m.currentTerm
		m.becomeFollowerLocked(term, "")
		m.mu.Unlock()
		return 0, FencingToken{}, &nerr.NoQuorum{Reachable: reachable, Needed: needed}
	}

	lastIndex, _, err := m.store.LastIndexTerm()
	if err != nil {
		m.mu.Unlock()
		return 0, FencingToken{}, err
	}
	index = lastIndex + 1
	term := m.currentTerm
	m.fencingSeq++
	token = FencingToken{Term: term, Sequence: m.fencingSeq}
	m.mu.Unlock()

	entry := LogEntry{Index: index, Term: term, Sequence: token.Sequence, Data: data}
	if err := m.store.AppendEntries([]LogEntry{entry}); err != nil {
		return 0, FencingToken{}, err
	}

	m.mu.Lock()
	m.matchIndex[m.id] = index
	m.mu.Unlock()

	return index, token, nil
}

// ApplyCommitted advances last_applied up to commit_index, handing each
// newly committed entry to the registered state-machine callback with its
// fencing token. Idempotent with respect to already-applied indices: a
// caller may invoke it repeatedly (e.g. from a ticker) with no effect
// beyond the first call for any given index.
func (m *Manager) ApplyCommitted() error {
	m.mu.Lock()
	from := m.lastApplied + 1
	to := m.commitIndex
	m.mu.Unlock()
	if from > to {
		return nil
	}

	entries, err := m.store.Entries(from, to)
	if err != nil {
		return err
	}

	for _, e := range entries {
		token := FencingToken{Term: e.Term, Sequence: e.Sequence}
		if m.apply != nil {
			m.apply(e, token)
		}
		m.mu.Lock()
		if e.Index > m.lastApplied {
			m.lastApplied = e.Index
		}
		m.mu.Unlock()
	}
	return nil
}
