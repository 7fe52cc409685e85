package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nqdb/nqdb/pkg/transport"
)

// electionTimerLoop fires a campaign whenever the randomized timeout
// elapses without a reset (a heartbeat, a granted vote request, or a
// TimeoutNow). Runs until Stop.
func (m *Manager) electionTimerLoop() {
	defer m.wg.Done()
	timer := time.NewTimer(m.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.electionReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.randomElectionTimeout())
		case <-timer.C:
			if m.Role() != RoleLeader {
				m.campaign()
			}
			timer.Reset(m.randomElectionTimeout())
		}
	}
}

// campaign runs a non-term-incrementing pre-vote round first (the
// SUPPLEMENTED pre-vote feature): only a candidate that would plausibly win
// a real election pays the cost of incrementing current_term and forcing
// every other node to step down. A partitioned node that wakes up alone
// with a stale term therefore never inflates the cluster's term.
func (m *Manager) campaign() {
	m.mu.Lock()
	lastIndex, lastTerm, err := m.logBoundsLocked()
	candidateTerm := m.currentTerm + 1
	peers := m.transport.Peers()
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Msg("read log bounds before pre-vote")
		return
	}

	if !m.runVoteRound(peers, candidateTerm, lastIndex, lastTerm, true) {
		return
	}

	m.mu.Lock()
	if m.role == RoleLeader {
		m.mu.Unlock()
		return
	}
	m.role = RoleCandidate
	m.currentTerm = candidateTerm
	m.votedFor = m.id
	m.leaderID = ""
	if err := m.store.SaveState(m.currentTerm, m.votedFor); err != nil {
		m.log.Error().Err(err).Msg("persist vote-for-self")
	}
	m.log.Info().Uint64("term", m.currentTerm).Msg("starting election")
	m.mu.Unlock()

	if m.runVoteRound(peers, candidateTerm, lastIndex, lastTerm, false) {
		m.becomeLeader()
	}
}

// runVoteRound sends RequestVote to every peer in parallel and reports
// whether a majority (including self) granted the vote. isPreVote controls
// whether the round is the non-binding pre-vote pass.
func (m *Manager) runVoteRound(peers []string, term, lastIndex, lastTerm uint64, isPreVote bool) bool {
	need := (len(peers)+1)/2 + 1 // majority of the full cluster, including self
	var granted int32 = 1        // counting self

	var wg sync.WaitGroup
	for _, peerID := range peers {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := m.withContext()
			defer cancel()
			resp, err := m.transport.SendRequestVote(ctx, peerID, &transport.RequestVote{
				Term:         term,
				CandidateID:  m.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
				IsPreVote:    isPreVote,
			})
			if err != nil {
				return
			}
			if resp.Term > term && !isPreVote {
				m.mu.Lock()
				m.stepDownIfHigherTermLocked(resp.Term)
				m.mu.Unlock()
				return
			}
			if resp.VoteGranted {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	return int(atomic.LoadInt32(&granted)) >= need
}

func (m *Manager) becomeLeader() {
	m.mu.Lock()
	if m.role != RoleCandidate {
		m.mu.Unlock()
		return
	}
	m.role = RoleLeader
	m.leaderID = m.id
	m.fencingSeq = 0
	lastIndex, _, err := m.logBoundsLocked()
	peers := m.transport.Peers()
	for _, p := range peers {
		m.nextIndex[p] = lastIndex + 1
		m.matchIndex[p] = 0
	}
	m.lease.renew()
	term := m.currentTerm
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Msg("read log bounds on becoming leader")
	}
	m.log.Info().Uint64("term", term).Msg("became leader")

	m.wg.Add(1)
	go m.heartbeatLoop(term)
}

// logBoundsLocked returns the last log index/term. Caller must hold m.mu.
func (m *Manager) logBoundsLocked() (index, term uint64, err error) {
	return m.store.LastIndexTerm()
}

// HandleRequestVote implements transport.Handler: the vote-granting rules
// of spec §4.8.
func (m *Manager) HandleRequestVote(ctx context.Context, req *transport.RequestVote) (*transport.RequestVoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Term < m.currentTerm {
		return &transport.RequestVoteResult{Term: m.currentTerm, VoteGranted: false}, nil
	}

	// A real (non-pre-vote) request with a higher term is adopted
	// immediately, per rule 2. A pre-vote never mutates current_term —
	// that is the entire point of running it first.
	if req.Term > m.currentTerm && !req.IsPreVote {
		m.becomeFollowerLocked(req.Term, "")
	}

	lastIndex, lastTerm, err := m.logBoundsLocked()
	if err != nil {
		return nil, err
	}
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	replyTerm := m.currentTerm
	if req.IsPreVote {
		replyTerm = req.Term
	}

	alreadyVotedOK := m.votedFor == "" || m.votedFor == req.CandidateID
	grant := !req.IsPreVote && req.Term >= m.currentTerm && alreadyVotedOK && logOK
	if req.IsPreVote {
		// Pre-vote asks "would I grant a real vote right now", without
		// recording anything: it never sets votedFor.
		grant = req.Term >= m.currentTerm && alreadyVotedOK && logOK
	}

	if grant && !req.IsPreVote {
		m.votedFor = req.CandidateID
		if err := m.store.SaveState(m.currentTerm, m.votedFor); err != nil {
			return nil, err
		}
		m.resetElectionTimer()
	}

	return &transport.RequestVoteResult{Term: replyTerm, VoteGranted: grant}, nil
}
