package netcore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/sakuyama2024/coinbasechain-sub002/lifecycle"
	"github.com/sakuyama2024/coinbasechain-sub002/misbehavior"
	"github.com/sakuyama2024/coinbasechain-sub002/p2pwire"
)

// ChainValidator is the "chain state" external collaborator: the core asks
// "is this header valid?" and "does it connect?" and reports misbehavior
// based on the yes/no, without owning any chain data itself.
type ChainValidator interface {
	// ValidateHeader reports whether h's proof-of-work meets the network's
	// current target. A failure here is an instant INVALID_POW report.
	ValidateHeader(h *wire.BlockHeader) error

	// Connects reports whether h.PrevBlock names a header the chain state
	// already knows about (including the genesis predecessor). false
	// increments the peer's unconnecting-headers counter.
	Connects(h *wire.BlockHeader) bool

	// Locate returns up to 2000 headers descending from the caller's best
	// match against locator, stopping at stopHash if non-zero, for a
	// GETHEADERS reply.
	Locate(locator []*chainhash.Hash, stopHash chainhash.Hash) []*wire.BlockHeader
}

// BlockRelayHandler is the "block relay manager" external collaborator:
// the core forwards INV announcements to it and does no inventory
// bookkeeping of its own.
type BlockRelayHandler interface {
	HandleInv(peerID uint64, inv []*wire.InvVect)
}

// HeaderSyncHandler is the "header sync manager" external collaborator:
// once a HEADERS batch has passed the router's per-header misbehavior
// checks, the surviving headers are signaled here for chain-state
// application.
type HeaderSyncHandler interface {
	OnHeaders(peerID uint64, headers []*wire.BlockHeader)
}

// headerRouter implements router.HeaderSync by applying misbehavior checks
// (invalid PoW, non-continuous/unconnecting headers) before forwarding to
// the injected chain-state collaborators. INV passes straight through to
// BlockRelayHandler; GETHEADERS is answered directly from
// ChainValidator.Locate.
type headerRouter struct {
	lc        *lifecycle.Manager
	validator ChainValidator
	relay     BlockRelayHandler
	sync      HeaderSyncHandler
}

func newHeaderRouter(lc *lifecycle.Manager, validator ChainValidator, relay BlockRelayHandler, sync HeaderSyncHandler) *headerRouter {
	return &headerRouter{lc: lc, validator: validator, relay: relay, sync: sync}
}

func (h *headerRouter) HandleInv(peerID uint64, m *wire.MsgInv) {
	if h.relay == nil {
		return
	}
	blocks := make([]*wire.InvVect, 0, len(m.InvList))
	for _, iv := range m.InvList {
		if iv.Type == wire.InvTypeBlock {
			blocks = append(blocks, iv)
		}
	}
	if len(blocks) > 0 {
		h.relay.HandleInv(peerID, blocks)
	}
}

// HandleHeaders implements the per-header checks the router forwards into:
// invalid PoW is an instant disconnect; a batch whose first header fails
// to connect increments the peer's unconnecting counter (resetting it on
// a batch that does connect); everything that survives is handed to the
// header-sync collaborator.
func (h *headerRouter) HandleHeaders(peerID uint64, m *wire.MsgHeaders) {
	record := h.misbehaviorFor(peerID)
	if len(m.Headers) == 0 {
		return
	}

	first := m.Headers[0]
	if h.validator != nil && !h.validator.Connects(first) {
		// IncrementUnconnectingHeaders applies the TooManyUnconnecting
		// penalty itself once the counter exceeds the max, so there is no
		// separate ReportMisbehavior call here.
		if record != nil {
			record.IncrementUnconnectingHeaders(h.peerAddr(peerID))
		}
		return
	}
	if record != nil {
		record.ResetUnconnectingHeaders()
	}

	for i := 1; i < len(m.Headers); i++ {
		if m.Headers[i].PrevBlock != m.Headers[i-1].BlockHash() {
			h.lc.ReportMisbehavior(peerID, misbehavior.NonContinuousHeaders)
			return
		}
	}

	accepted := make([]*wire.BlockHeader, 0, len(m.Headers))
	for _, hdr := range m.Headers {
		if h.validator == nil {
			accepted = append(accepted, hdr)
			continue
		}
		if err := h.validator.ValidateHeader(hdr); err != nil {
			hash := hdr.BlockHash()
			if record == nil || !record.HasInvalidHeaderHash(hash) {
				if record != nil {
					record.NoteInvalidHeaderHash(hash)
				}
				h.lc.ReportMisbehavior(peerID, misbehavior.InvalidPoW)
				h.lc.DisconnectPeer(peerID)
			}
			return
		}
		accepted = append(accepted, hdr)
	}

	if h.sync != nil && len(accepted) > 0 {
		h.sync.OnHeaders(peerID, accepted)
	}
}

func (h *headerRouter) HandleGetHeaders(peerID uint64, m *wire.MsgGetHeaders) {
	if h.validator == nil {
		return
	}
	headers := h.validator.Locate(m.BlockLocatorHashes, m.HashStop)
	if len(headers) == 0 {
		return
	}
	reply := wire.NewMsgHeaders()
	for _, hdr := range headers {
		if len(reply.Headers) >= p2pwire.MaxHeadersSize {
			break
		}
		_ = reply.AddBlockHeader(hdr)
	}
	if err := h.lc.SendToPeer(peerID, reply); err != nil {
		log.Debugf("peer %d: failed to send HEADERS reply: %v", peerID, err)
	}
}

func (h *headerRouter) misbehaviorFor(peerID uint64) *misbehavior.Record {
	s, ok := h.lc.Registry().Get(peerID)
	if !ok {
		return nil
	}
	return s.Misbehavior
}

func (h *headerRouter) peerAddr(peerID uint64) string {
	s, ok := h.lc.Registry().Get(peerID)
	if !ok {
		return ""
	}
	return s.Address.String()
}
