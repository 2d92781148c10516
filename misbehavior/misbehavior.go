// Package misbehavior implements the per-peer penalty ledger: violations
// accumulate a score, and once the score latches past the discouragement
// threshold the periodic sweep (in package lifecycle) schedules the peer
// for removal. Reporting never disconnects a peer directly.
package misbehavior

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("misbehavior")

// Violation identifies a kind of protocol misbehavior.
type Violation int

const (
	InvalidPoW Violation = iota
	InvalidHeader
	TooManyUnconnecting
	TooManyOrphans
	OversizedMessage
	NonContinuousHeaders
	LowWorkHeaders
)

// Penalty is the fixed point cost of each violation kind. These exact
// values are load-bearing: the whole ledger is designed to reproduce one
// reference node's disconnect behavior bit for bit.
var Penalty = map[Violation]int32{
	InvalidPoW:            100,
	InvalidHeader:         100,
	TooManyUnconnecting:   100,
	TooManyOrphans:        100,
	OversizedMessage:      20,
	NonContinuousHeaders:  20,
	LowWorkHeaders:        10,
}

const (
	// DiscouragementThreshold is the score at which should_discourage
	// latches true.
	DiscouragementThreshold int32 = 100
	// MaxUnconnectingHeaders is the unconnecting-headers counter ceiling;
	// exceeding it fires TooManyUnconnecting and resets the counter.
	MaxUnconnectingHeaders = 10
	// maxInvalidHeaderHashes bounds the duplicate-penalty guard's LRU set,
	// per peer.
	maxInvalidHeaderHashes = 256
)

func (v Violation) String() string {
	switch v {
	case InvalidPoW:
		return "INVALID_POW"
	case InvalidHeader:
		return "INVALID_HEADER"
	case TooManyUnconnecting:
		return "TOO_MANY_UNCONNECTING"
	case TooManyOrphans:
		return "TOO_MANY_ORPHANS"
	case OversizedMessage:
		return "OVERSIZED_MESSAGE"
	case NonContinuousHeaders:
		return "NON_CONTINUOUS_HEADERS"
	case LowWorkHeaders:
		return "LOW_WORK_HEADERS"
	default:
		return "UNKNOWN"
	}
}

// Record is one peer's misbehavior ledger.
type Record struct {
	mtx sync.Mutex

	score             int32
	shouldDiscourage  bool
	unconnectingCount int

	hashOrder []chainhash.Hash
	hashSeen  map[chainhash.Hash]struct{}
}

// NewRecord constructs an empty ledger for one peer.
func NewRecord() *Record {
	return &Record{hashSeen: make(map[chainhash.Hash]struct{})}
}

// Report applies penalty for violation v and returns the resulting score.
func (r *Record) Report(peerAddr string, v Violation) int32 {
	penalty := Penalty[v]
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.score += penalty
	if r.score >= DiscouragementThreshold {
		r.shouldDiscourage = true
	}
	log.Debugf("peer %s misbehavior %s penalty=%d score=%d", peerAddr, v, penalty, r.score)
	return r.score
}

// IncrementUnconnectingHeaders bumps the unconnecting-headers counter,
// applying TooManyUnconnecting and resetting it if the max is exceeded.
// Returns true if the penalty fired.
func (r *Record) IncrementUnconnectingHeaders(peerAddr string) bool {
	r.mtx.Lock()
	r.unconnectingCount++
	fire := r.unconnectingCount > MaxUnconnectingHeaders
	if fire {
		r.unconnectingCount = 0
	}
	r.mtx.Unlock()

	if fire {
		r.Report(peerAddr, TooManyUnconnecting)
	}
	return fire
}

// ResetUnconnectingHeaders clears the counter on a connecting HEADERS
// batch.
func (r *Record) ResetUnconnectingHeaders() {
	r.mtx.Lock()
	r.unconnectingCount = 0
	r.mtx.Unlock()
}

// HasInvalidHeaderHash reports whether hash was already penalized for this
// peer (duplicate-penalty guard, checked before reporting InvalidHeader).
func (r *Record) HasInvalidHeaderHash(hash chainhash.Hash) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_, ok := r.hashSeen[hash]
	return ok
}

// NoteInvalidHeaderHash records hash after a non-duplicate InvalidHeader
// report, evicting the oldest entry once the per-peer cap is reached.
func (r *Record) NoteInvalidHeaderHash(hash chainhash.Hash) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.hashSeen[hash]; ok {
		return
	}
	if len(r.hashOrder) >= maxInvalidHeaderHashes {
		oldest := r.hashOrder[0]
		r.hashOrder = r.hashOrder[1:]
		delete(r.hashSeen, oldest)
	}
	r.hashOrder = append(r.hashOrder, hash)
	r.hashSeen[hash] = struct{}{}
}

// GetScore returns the accumulated score.
func (r *Record) GetScore() int32 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.score
}

// ShouldDisconnect reports whether the discouragement latch has tripped.
func (r *Record) ShouldDisconnect() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.shouldDiscourage
}
