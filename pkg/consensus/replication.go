package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/nqdb/nqdb/pkg/transport"
)

// heartbeatLoop drives AppendEntries rounds to every peer on a fixed
// interval for as long as this node stays leader in the given term.
func (m *Manager) heartbeatLoop(term uint64) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.CurrentTerm() != term || m.Role() != RoleLeader {
				return
			}
			m.runHeartbeatRound(term)
		}
	}
}

// runHeartbeatRound replicates to every peer in parallel, then updates
// quorum status once the round completes (every peer has replied or timed
// out) — tying update_quorum_status to heartbeat-round completion.
func (m *Manager) runHeartbeatRound(term uint64) {
	peers := m.transport.Peers()
	var wg sync.WaitGroup
	reachable := make(chan string, len(peers))

	for _, peerID := range peers {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.replicateToPeer(term, peerID) {
				reachable <- peerID
			}
		}()
	}
	wg.Wait()
	close(reachable)

	m.mu.Lock()
	m.reachablePeers = make(map[string]bool, len(peers))
	for id := range reachable {
		m.reachablePeers[id] = true
	}
	hasQuorum := m.hasQuorumLocked(len(peers))
	if hasQuorum {
		m.lease.renew()
	}
	stillLeader := m.role == RoleLeader
	m.mu.Unlock()

	if stillLeader && !hasQuorum {
		m.log.Warn().Msg("lost quorum, stepping down")
		m.mu.Lock()
		m.becomeFollowerLocked(term, "")
		m.mu.Unlock()
	}
}

// hasQuorumLocked reports whether reachable peers plus self form a
// majority of the cluster. Caller must hold m.mu.
func (m *Manager) hasQuorumLocked(totalPeers int) bool {
	clusterSize := totalPeers + 1
	majority := clusterSize/2 + 1
	reachable := len(m.reachablePeers) + 1 // self
	return reachable >= majority
}

// replicateToPeer sends one AppendEntries (a heartbeat if there's nothing
// new to send) and applies the leader-side response handling of spec §4.8.
// Returns whether the peer answered at all (used for reachability tracking
// regardless of success/failure).
func (m *Manager) replicateToPeer(term uint64, peerID string) bool {
	m.mu.Lock()
	if m.role != RoleLeader || m.currentTerm != term {
		m.mu.Unlock()
		return false
	}
	next := m.nextIndex[peerID]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		if e, ok, err := m.store.Get(prevIndex); err == nil && ok {
			prevTerm = e.Term
		}
	}
	lastIndex, _, _ := m.store.LastIndexTerm()
	var entries []transport.LogEntryCompact
	if lastIndex >= next {
		stored, err := m.store.Entries(next, lastIndex)
		if err == nil {
			for _, e := range stored {
				entries = append(entries, transport.LogEntryCompact{Term: e.Term, Sequence: e.Sequence, Data: e.Data})
			}
		}
	}
	commitIndex := m.commitIndex
	m.mu.Unlock()

	ctx, cancel := m.withContext()
	defer cancel()
	resp, err := m.transport.SendAppendEntries(ctx, peerID, &transport.AppendEntries{
		Term:         term,
		LeaderID:     m.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commitIndex,
	})
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.Term > m.currentTerm {
		m.becomeFollowerLocked(resp.Term, "")
		return true
	}
	if m.role != RoleLeader || m.currentTerm != term {
		return true
	}
	if resp.Success {
		m.matchIndex[peerID] = resp.MatchIndex
		m.nextIndex[peerID] = resp.MatchIndex + 1
		m.advanceCommitIndexLocked()
	} else if resp.ConflictTerm != 0 {
		m.nextIndex[peerID] = m.conflictBackupLocked(resp.ConflictIndex, resp.ConflictTerm)
	} else if m.nextIndex[peerID] > 1 {
		m.nextIndex[peerID]--
	}
	return true
}

// conflictBackupLocked finds the fast-backup next_index for a follower's
// conflict hint: the index right after the leader's own last entry in
// conflictTerm, or conflictIndex itself if the leader has no entries in
// that term at all.
func (m *Manager) conflictBackupLocked(conflictIndex, conflictTerm uint64) uint64 {
	lastIndex, _, err := m.store.LastIndexTerm()
	if err != nil {
		return conflictIndex
	}
	for i := lastIndex; i > 0; i-- {
		e, ok, err := m.store.Get(i)
		if err != nil || !ok {
			continue
		}
		if e.Term == conflictTerm {
			return i + 1
		}
		if e.Term < conflictTerm {
			break
		}
	}
	return conflictIndex
}

// advanceCommitIndexLocked finds the highest N such that a majority
// (including self) has match_index >= N and the entry at N is from the
// current term, then commits up to it. Raft §5.4.2: a leader may not
// directly commit an entry from a prior term.
func (m *Manager) advanceCommitIndexLocked() {
	lastIndex, _, err := m.store.LastIndexTerm()
	if err != nil {
		return
	}
	for n := lastIndex; n > m.commitIndex; n-- {
		e, ok, err := m.store.Get(n)
		if err != nil || !ok || e.Term != m.currentTerm {
			continue
		}
		count := 1 // self
		for peer, matched := range m.matchIndex {
			if peer != m.id && matched >= n {
				count++
			}
		}
		if count*2 > len(m.nextIndex)+1 {
			m.commitIndex = n
			break
		}
	}
}

// HandleAppendEntries implements transport.Handler: follower-side
// AppendEntries handling, spec §4.8 rules 1-7.
func (m *Manager) HandleAppendEntries(ctx context.Context, req *transport.AppendEntries) (*transport.AppendEntriesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Term < m.currentTerm {
		return &transport.AppendEntriesResult{Term: m.currentTerm, Success: false}, nil
	}
	if req.Term > m.currentTerm || m.role != RoleFollower {
		m.becomeFollowerLocked(req.Term, req.LeaderID)
	}
	m.leaderID = req.LeaderID
	m.resetElectionTimer()

	if req.PrevLogIndex > 0 {
		entry, ok, err := m.store.Get(req.PrevLogIndex)
		if err != nil {
			return nil, err
		}
		lastIndex, _, err := m.store.LastIndexTerm()
		if err != nil {
			return nil, err
		}
		if !ok || req.PrevLogIndex > lastIndex {
			return &transport.AppendEntriesResult{
				Term: m.currentTerm, Success: false,
				ConflictIndex: lastIndex + 1,
			}, nil
		}
		if entry.Term != req.PrevLogTerm {
			conflictTerm := entry.Term
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				prior, ok, err := m.store.Get(conflictIndex - 1)
				if err != nil || !ok || prior.Term != conflictTerm {
					break
				}
				conflictIndex--
			}
			return &transport.AppendEntriesResult{
				Term: m.currentTerm, Success: false,
				ConflictIndex: conflictIndex, ConflictTerm: conflictTerm,
			}, nil
		}
	}

	newEntries := make([]LogEntry, 0, len(req.Entries))
	nextIndex := req.PrevLogIndex + 1
	for i, e := range req.Entries {
		idx := nextIndex + uint64(i)
		existing, ok, err := m.store.Get(idx)
		if err != nil {
			return nil, err
		}
		if ok && existing.Term == e.Term {
			continue // duplicate, skip
		}
		if ok {
			if err := m.store.TruncateFrom(idx); err != nil {
				return nil, err
			}
		}
		newEntries = append(newEntries, LogEntry{Index: idx, Term: e.Term, Sequence: e.Sequence, Data: e.Data})
	}
	if len(newEntries) > 0 {
		if err := m.store.AppendEntries(newEntries); err != nil {
			return nil, err
		}
	}

	lastNewIndex := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > m.commitIndex {
		if req.LeaderCommit < lastNewIndex {
			m.commitIndex = req.LeaderCommit
		} else {
			m.commitIndex = lastNewIndex
		}
	}

	return &transport.AppendEntriesResult{Term: m.currentTerm, Success: true, MatchIndex: lastNewIndex}, nil
}

// HandleTimeoutNow implements transport.Handler: skip the remaining
// election timeout and campaign immediately, used for leadership transfer.
func (m *Manager) HandleTimeoutNow(ctx context.Context, req *transport.TimeoutNow) (*transport.TimeoutNowResult, error) {
	m.mu.Lock()
	term := m.currentTerm
	m.mu.Unlock()
	go m.campaign()
	return &transport.TimeoutNowResult{Term: term}, nil
}

// TransferLeadership sends TimeoutNow to the peer with the freshest
// match_index. It does not stop new proposals: Propose keeps accepting
// them for as long as this node remains leader.
func (m *Manager) TransferLeadership() error {
	m.mu.Lock()
	if m.role != RoleLeader {
		m.mu.Unlock()
		return m.notLeaderErr()
	}
	var best string
	var bestMatch uint64
	for peer, match := range m.matchIndex {
		if peer == m.id {
			continue
		}
		if best == "" || match >= bestMatch {
			best, bestMatch = peer, match
		}
	}
	term := m.currentTerm
	m.mu.Unlock()
	if best == "" {
		return nil
	}

	ctx, cancel := m.withContext()
	defer cancel()
	_, err := m.transport.SendTimeoutNow(ctx, best, &transport.TimeoutNow{Term: term})
	return err
}
