package archive

import (
	"sync"

	"github.com/btcorg/chainnode/chain"
)

// record is one archived header (and, once associated, its block).
type record struct {
	header       *chain.Header
	block        *chain.Block
	ctx          chain.Context
	height       chain.Height
	state        BlockState
	txsConnected bool
	malleable    bool
}

// Memory is a reference Archive implementation backed entirely by
// in-process maps and slices, guarded by a single mutex so that callers
// can treat its mutations as totally ordered. It
// is the archive used by the chaser and protocol test suites, and is a
// faithful (if unpersisted) realization of every query/mutation in
// interface.go.
type Memory struct {
	mu sync.Mutex

	links     []*record
	hashIndex map[chain.Hash]chain.HeaderLink

	candidate []chain.HeaderLink
	confirmed []chain.HeaderLink
}

// NewMemory returns an archive seeded with a genesis header already on both
// the candidate and confirmed chains at height 0.
func NewMemory(genesis *chain.Header, genesisCtx chain.Context) *Memory {
	m := &Memory{
		hashIndex: make(map[chain.Hash]chain.HeaderLink),
	}

	link := m.appendRecord(&record{
		header: genesis,
		ctx:    genesisCtx,
		height: 0,
		state:  Confirmed,
	})
	m.candidate = append(m.candidate, link)
	m.confirmed = append(m.confirmed, link)

	return m
}

func (m *Memory) appendRecord(r *record) chain.HeaderLink {
	link := chain.HeaderLink(len(m.links))
	m.links = append(m.links, r)
	m.hashIndex[r.header.Hash()] = link

	return link
}

func (m *Memory) get(link chain.HeaderLink) *record {
	if link.IsTerminal() || int(link) >= len(m.links) {
		return nil
	}

	return m.links[link]
}

// GetTopCandidate returns the height of the last entry on the candidate
// chain.
func (m *Memory) GetTopCandidate() chain.Height {
	m.mu.Lock()
	defer m.mu.Unlock()

	return chain.Height(len(m.candidate) - 1)
}

// GetTopConfirmed returns the height of the last entry on the confirmed
// chain.
func (m *Memory) GetTopConfirmed() chain.Height {
	m.mu.Lock()
	defer m.mu.Unlock()

	return chain.Height(len(m.confirmed) - 1)
}

// GetFork returns the confirmed chain's top height, which is always the
// fork point.
func (m *Memory) GetFork() chain.Height {
	return m.GetTopConfirmed()
}

// ToCandidate resolves a candidate-chain height to its HeaderLink.
func (m *Memory) ToCandidate(height chain.Height) chain.HeaderLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(height) >= len(m.candidate) {
		return chain.TerminalLink
	}

	return m.candidate[height]
}

// ToConfirmed resolves a confirmed-chain height to its HeaderLink.
func (m *Memory) ToConfirmed(height chain.Height) chain.HeaderLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(height) >= len(m.confirmed) {
		return chain.TerminalLink
	}

	return m.confirmed[height]
}

// ToHeader resolves a header hash to its HeaderLink, whether or not it is
// on a chain.
func (m *Memory) ToHeader(hash chain.Hash) chain.HeaderLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, ok := m.hashIndex[hash]
	if !ok {
		return chain.TerminalLink
	}

	return link
}

// ToParent resolves link's previous-hash to its own HeaderLink.
func (m *Memory) ToParent(link chain.HeaderLink) chain.HeaderLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return chain.TerminalLink
	}

	parent, ok := m.hashIndex[r.header.PreviousHash()]
	if !ok {
		return chain.TerminalLink
	}

	return parent
}

// GetHeight returns link's height.
func (m *Memory) GetHeight(link chain.HeaderLink) (chain.Height, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return 0, false
	}

	return r.height, true
}

// GetBits returns link's compact difficulty.
func (m *Memory) GetBits(link chain.HeaderLink) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return 0, false
	}

	return r.header.Bits, true
}

// GetHeaderState returns the confirmation-pipeline state recorded for
// link's header (the same record block state serves both header- and
// block-organizer duplicate screens).
func (m *Memory) GetHeaderState(link chain.HeaderLink) (BlockState, bool) {
	return m.GetBlockState(link)
}

// GetBlockState returns the confirmation-pipeline state recorded for link.
func (m *Memory) GetBlockState(link chain.HeaderLink) (BlockState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return 0, false
	}

	return r.state, true
}

// IsCandidateBlock reports whether link is currently on the candidate
// chain at its recorded height.
func (m *Memory) IsCandidateBlock(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return false
	}

	return int(r.height) < len(m.candidate) && m.candidate[r.height] == link
}

// IsAssociated reports whether link's block body has been stored.
func (m *Memory) IsAssociated(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)

	return r != nil && r.block != nil
}

// IsMalleable reports whether link is flagged as a malleable header (same
// header fields, distinct transaction serialization possible).
func (m *Memory) IsMalleable(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)

	return r != nil && r.malleable
}

// GetCandidateChainState rebuilds the ChainState at height by rolling
// forward from genesis — the organizer's fallback path when neither the
// cached top state nor its tree has the answer.
func (m *Memory) GetCandidateChainState(params chain.Params, height chain.Height) (*chain.ChainState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(height) >= len(m.candidate) {
		return nil, false
	}

	genesis := m.get(m.candidate[0])
	if genesis == nil {
		return nil, false
	}

	state := chain.NewGenesisChainState(genesis.header, params)
	for h := chain.Height(1); h <= height; h++ {
		r := m.get(m.candidate[h])
		if r == nil {
			return nil, false
		}

		state = chain.Roll(state, r.header, params)
	}

	return state, true
}

// GetUnassociatedAbove scans the candidate chain above height for headers
// with no stored block body, returning up to n in ascending order.
func (m *Memory) GetUnassociatedAbove(height chain.Height, n int) []chain.Association {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []chain.Association
	for h := height + 1; int(h) < len(m.candidate) && len(out) < n; h++ {
		link := m.candidate[h]
		r := m.get(link)
		if r == nil || r.block != nil {
			continue
		}

		out = append(out, chain.Association{
			Link:    link,
			Hash:    r.header.Hash(),
			Height:  h,
			Context: r.ctx,
		})
	}

	return out
}

// GetBlock returns the stored block body for link, if associated.
func (m *Memory) GetBlock(link chain.HeaderLink) (*chain.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil || r.block == nil {
		return nil, false
	}

	return r.block, true
}

// GetHeader returns link's archived header, regardless of association.
func (m *Memory) GetHeader(link chain.HeaderLink) (*chain.Header, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return nil, false
	}

	return r.header, true
}

// GetContext returns the validation context archived alongside link.
func (m *Memory) GetContext(link chain.HeaderLink) (chain.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return chain.Context{}, false
	}

	return r.ctx, true
}

// Populate is a test/reference no-op: the in-memory archive never models
// a UTXO set, since the validators themselves are external collaborators.
// It exists so Validator implementations have something to receive.
func (m *Memory) Populate(_ *chain.Block) (any, error) {
	return struct{}{}, nil
}

// SetLink archives header (and block, if non-nil) under a fresh HeaderLink,
// or updates the existing one for this hash if already present — the
// "we have the header but not the block yet" association step.
func (m *Memory) SetLink(header *chain.Header, block *chain.Block, ctx chain.Context) chain.HeaderLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, ok := m.hashIndex[header.Hash()]; ok {
		r := m.get(link)
		if block != nil && r.block == nil {
			r.block = block
		}

		return link
	}

	state := Unassociated
	return m.appendRecord(&record{
		header: header,
		block:  block,
		ctx:    ctx,
		height: ctx.Height,
		state:  state,
	})
}

// PushCandidate appends link to the candidate chain. It must already be
// archived and its height must equal the current candidate top plus one.
func (m *Memory) PushCandidate(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil || int(r.height) != len(m.candidate) {
		return false
	}

	m.candidate = append(m.candidate, link)

	return true
}

// PopCandidate removes the top candidate entry.
func (m *Memory) PopCandidate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.candidate) <= 1 {
		return false
	}

	m.candidate = m.candidate[:len(m.candidate)-1]

	return true
}

// PushConfirmed appends link to the confirmed chain.
func (m *Memory) PushConfirmed(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil || int(r.height) != len(m.confirmed) {
		return false
	}

	m.confirmed = append(m.confirmed, link)

	return true
}

// PopConfirmed removes the top confirmed entry.
func (m *Memory) PopConfirmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.confirmed) <= 1 {
		return false
	}

	m.confirmed = m.confirmed[:len(m.confirmed)-1]

	return true
}

// SetBlockUnconfirmable marks link's block as permanently rejected.
func (m *Memory) SetBlockUnconfirmable(link chain.HeaderLink) bool {
	return m.setState(link, Unconfirmable)
}

// SetBlockPreconfirmable marks link's block as having passed accept+connect.
func (m *Memory) SetBlockPreconfirmable(link chain.HeaderLink) bool {
	return m.setState(link, Preconfirmable)
}

// SetBlockConfirmed marks link's block as confirmed.
func (m *Memory) SetBlockConfirmed(link chain.HeaderLink) bool {
	return m.setState(link, Confirmed)
}

func (m *Memory) setState(link chain.HeaderLink, state BlockState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return false
	}

	r.state = state

	return true
}

// SetTxsConnected records that link's block successfully connected against
// the UTXO view.
func (m *Memory) SetTxsConnected(link chain.HeaderLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.get(link)
	if r == nil {
		return false
	}

	r.txsConnected = true

	return true
}

// SetMalleable is a test fixture hook: it is not part of the Archive
// interface (no real archive ever flags malleability out of band — it is
// inferred from two distinct blocks at one height), but Memory exposes it
// so chaser/preconfirm tests can exercise the malleated-block path.
func (m *Memory) SetMalleable(link chain.HeaderLink, malleable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.get(link); r != nil {
		r.malleable = malleable
	}
}
