// Package transport defines the opaque wire contract spec §6 describes for
// Raft RPCs. The consensus package depends only on the Transport interface;
// it never knows whether a peer lives in the same process or across a
// socket.
package transport

import "context"

// RequestVote is sent by a candidate (or pre-vote challenger) to every peer.
type RequestVote struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
	IsPreVote    bool
}

// RequestVoteResult is the receiver's reply.
type RequestVoteResult struct {
	Term        uint64
	VoteGranted bool
}

// LogEntryCompact is the wire shape of one replicated log entry. Sequence
// is the fencing-token sequence the leader assigned when it proposed the
// entry, carried along so every follower ends up with the same token for
// the same index instead of each node deriving its own.
type LogEntryCompact struct {
	Term     uint64
	Sequence uint64
	Data     []byte
}

// AppendEntries is sent by the leader: a heartbeat when Entries is empty,
// a replication batch otherwise.
type AppendEntries struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntryCompact
	LeaderCommit uint64
}

// AppendEntriesResult is the follower's reply. ConflictIndex/ConflictTerm
// are only meaningful when Success is false; they let the leader skip
// straight to the follower's conflicting term instead of decrementing
// next_index one entry at a time.
type AppendEntriesResult struct {
	Term         uint64
	Success      bool
	MatchIndex   uint64
	ConflictIndex uint64
	ConflictTerm  uint64
}

// TimeoutNow asks the receiving follower to skip its election timeout and
// start a campaign immediately. Used for leadership transfer.
type TimeoutNow struct {
	Term uint64
}

// TimeoutNowResult acknowledges receipt; the follower does not have to
// succeed at becoming leader for this call to return.
type TimeoutNowResult struct {
	Term uint64
}

// Transport is the opaque contract spec.md §6 describes as "Raft RPCs
// (opaque transport)". Every call is addressed by peer ID; the transport
// resolves that to a connection, process, or in-memory registry entry.
// Implementations must be safe for concurrent use: the consensus manager
// calls RequestVote against every peer in parallel from one election round,
// and AppendEntries against every peer in parallel from one heartbeat round.
type Transport interface {
	// LocalID reports the ID this transport answers to.
	LocalID() string

	SendRequestVote(ctx context.Context, peerID string, req *RequestVote) (*RequestVoteResult, error)
	SendAppendEntries(ctx context.Context, peerID string, req *AppendEntries) (*AppendEntriesResult, error)
	SendTimeoutNow(ctx context.Context, peerID string, req *TimeoutNow) (*TimeoutNowResult, error)

	// Peers lists the node IDs this transport can currently address,
	// excluding the local one. Used by the quorum-tracking background task
	// (spec §4.8's reachable_peers) to size the cluster.
	Peers() []string
}

// Handler is implemented by the consensus manager; a Transport delivers
// inbound RPCs to it. Kept separate from Transport itself so an
// implementation can register a handler without the consensus package
// depending on the transport's concrete type.
type Handler interface {
	HandleRequestVote(ctx context.Context, req *RequestVote) (*RequestVoteResult, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntries) (*AppendEntriesResult, error)
	HandleTimeoutNow(ctx context.Context, req *TimeoutNow) (*TimeoutNowResult, error)
}
