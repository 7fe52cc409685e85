// Package consensus implements the Raft role state machine of spec §4.8:
// election with pre-vote, log replication with conflict-hint fast backup,
// a leader lease gating writes, fencing tokens on committed entries, and
// leadership transfer. Persistence is delegated to Store (bbolt-backed);
// message delivery is delegated to a transport.Transport the manager
// neither owns nor knows the concrete shape of.
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/transport"
)

// Manager owns one node's Raft state: its role, term, log, and the
// background election/heartbeat timers. It implements transport.Handler so
// a Transport can deliver inbound RPCs directly to it.
type Manager struct {
	id        string
	cfg       Config
	store     *Store
	transport transport.Transport
	apply     ApplyFunc

	mu          sync.Mutex
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	commitIndex uint64
	lastApplied uint64
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64

	lease          *lease
	reachablePeers map[string]bool
	fencingSeq     uint64

	electionReset chan struct{}
	stop          chan struct{}
	stopped       bool
	wg            sync.WaitGroup

	log zerolog.Logger
}

var _ transport.Handler = (*Manager)(nil)

// New constructs a Manager in RoleInit. Call Start to begin the election
// timer and transition to Follower.
func New(id string, cfg Config, store *Store, tr transport.Transport, apply ApplyFunc) (*Manager, error) {
	term, votedFor, err := store.LoadState()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		id:             id,
		cfg:            cfg,
		store:          store,
		transport:      tr,
		apply:          apply,
		role:           RoleInit,
		currentTerm:    term,
		votedFor:       votedFor,
		nextIndex:      make(map[string]uint64),
		matchIndex:     make(map[string]uint64),
		reachablePeers: make(map[string]bool),
		electionReset:  make(chan struct{}, 1),
		stop:           make(chan struct{}),
		log:            log.With().Str("component", "consensus").Str("node", id).Logger(),
	}
	m.lease = newLease(cfg.LeaseDuration())
	return m, nil
}

// Start transitions Init -> Follower and launches the election timer.
func (m *Manager) Start() {
	m.mu.Lock()
	m.role = RoleFollower
	m.mu.Unlock()

	m.wg.Add(1)
	go m.electionTimerLoop()
}

// Stop halts every background goroutine. A stopped Manager cannot be
// restarted; construct a new one against the same Store instead.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stop)
	m.wg.Wait()
}

// Role reports the node's current role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// CurrentTerm reports the node's current term.
func (m *Manager) CurrentTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// Leader reports the node this manager currently believes is leader, and
// whether it knows of one at all.
func (m *Manager) Leader() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID, m.leaderID != ""
}

func (m *Manager) resetElectionTimer() {
	select {
	case m.electionReset <- struct{}{}:
	default:
	}
}

func (m *Manager) randomElectionTimeout() time.Duration {
	lo, hi := m.cfg.ElectionTimeoutMin, m.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// becomeFollowerLocked reverts to Follower in the given term. Caller must hold m.mu.
func (m *Manager) becomeFollowerLocked(term uint64, leaderID string) {
	stepDown := m.role == RoleLeader
	m.role = RoleFollower
	m.currentTerm = term
	m.votedFor = ""
	m.leaderID = leaderID
	m.fencingSeq = 0
	if err := m.store.SaveState(m.currentTerm, m.votedFor); err != nil {
		m.log.Error().Err(err).Msg("persist term/vote on step down")
	}
	if stepDown {
		m.log.Info().Uint64("term", term).Msg("stepping down to follower")
	}
}

// stepDownIfHigherTermLocked adopts term and reverts to Follower if term is
// higher than the node's current term (rule 2 of both RequestVote and
// AppendEntries handling). Returns whether a step-down happened.
func (m *Manager) stepDownIfHigherTermLocked(term uint64) bool {
	if term <= m.currentTerm {
		return false
	}
	m.becomeFollowerLocked(term, "")
	return true
}

func (m *Manager) withContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval*4)
}

// notLeaderErr builds the error a write path returns when this node isn't
// leader, pointing the caller at the last known leader if any.
func (m *Manager) notLeaderErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &nerr.NotLeader{Me: m.id, Hint: m.leaderID}
}
