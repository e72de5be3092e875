package chaser

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/btcorg/chainnode/archive"
	"github.com/btcorg/chainnode/chain"
	"github.com/btcorg/chainnode/chainerr"
	"github.com/btcorg/chainnode/eventbus"
	"github.com/btcorg/chainnode/lnutils"
	"github.com/lightningnetwork/lnd/actor"
	"github.com/lightningnetwork/lnd/clock"
)

// Entry is the capability every organizer instantiation's admitted value
// must expose: a header/block pair's hash, parent hash, accumulated work,
// and the underlying Header used to roll ChainState forward. chain.Header
// and chain.Block both satisfy it.
type Entry interface {
	Hash() chain.Hash
	PreviousHash() chain.Hash
	Proof() *big.Int
	Header() *chain.Header
}

// Capabilities parameterizes the generic organizer: duplicate policy,
// validation, and archival each differ between the header- and
// block-organizer instantiations.
type Capabilities[E Entry] struct {
	// IsBlock selects the block-organizer's relaxed duplicate policy: an
	// already-archived-but-unassociated header is not a duplicate.
	IsBlock bool

	// Validate runs the entry's context-free check() followed by its
	// context-dependent accept(). The validators themselves are external
	// collaborators; this hook is where that boundary sits.
	Validate func(entry E, ctx chain.Context) error

	// SetLink archives entry under ctx, returning its HeaderLink (or
	// chain.TerminalLink on failure).
	SetLink func(a archive.Archive, entry E, ctx chain.Context) chain.HeaderLink

	// EventTag is the chase tag emitted on a successful notify
	// (eventbus.TagHeader for ChaserHeader, eventbus.TagBlock for
	// ChaserBlock).
	EventTag eventbus.ChaseTag

	// Load retrieves the archived entry at link. Disorganize uses it to
	// rebuild tree entries for the branch it pops off the candidate
	// chain.
	Load func(a archive.Archive, link chain.HeaderLink) (E, bool)
}

// Config bundles the organizer's tunables, drawn from the node's
// BitcoinConfig/NodeConfig groups.
type Config struct {
	Params      chain.Params
	MinimumWork *big.Int
	Checkpoints map[chain.Height]chain.Hash

	// Milestone is the height of a known-good block; entries at or below
	// it are always storable. Zero means no
	// milestone is configured.
	Milestone chain.Height

	CurrencyWindow    clock.Clock
	UseCurrencyWindow bool
	// CurrencyWindowSeconds is how recent a header's timestamp must be,
	// relative to CurrencyWindow.Now(), to count as "current".
	CurrencyWindowSeconds int64

	// OnFault is invoked when the organizer hits a fatal condition
	// (store integrity violation, internal error): from Organize, after
	// the call's handler has received the error, and from disorganize,
	// which is driven by a bus event rather than a direct caller. The
	// organizer closes its strand immediately after.
	OnFault func(err error)
}

// Handler receives the outcome of one organize call: the admission code
// (nil on success) and the entry's resolved height.
type Handler func(err error, height chain.Height)

// Organizer is the generic organize state machine: one template,
// instantiated over chain.Header by ChaserHeader and over chain.Block by
// ChaserBlock. All admission, branch-work, reorganize, and disorganize
// logic lives here; only storability/duplicate/validate/archive/event-tag
// differ per instantiation, supplied via Capabilities.
type Organizer[E Entry] struct {
	cfg  Config
	caps Capabilities[E]

	store archive.Archive
	bus   *eventbus.Bus
	tree  *chain.Tree[E]

	strand *Strand
	closed atomic.Bool

	topState *chain.ChainState
}

// NewOrganizer constructs an organizer. Call Start before admitting
// anything.
func NewOrganizer[E Entry](sys *actor.ActorSystem, id string,
	store archive.Archive, bus *eventbus.Bus, cfg Config,
	caps Capabilities[E]) *Organizer[E] {

	o := &Organizer[E]{
		cfg:   cfg,
		caps:  caps,
		store: store,
		bus:   bus,
		tree:  chain.NewTree[E](),
	}

	o.strand = NewStrand(sys, id, o.handleEvent)

	return o
}

// Start initializes top_state from the archive's top candidate and begins
// consuming bus events on the organizer's strand.
func (o *Organizer[E]) Start(ctx context.Context) {
	top := o.store.GetTopCandidate()

	state, ok := o.store.GetCandidateChainState(o.cfg.Params, top)
	if ok {
		o.topState = state
	}

	o.strand.Run(ctx, o.bus)
}

// handleEvent runs on the organizer's strand for every bus event it
// receives. Stop clears the tree; unchecked/unpreconfirmable/unconfirmable
// all drive the same disorganize path.
func (o *Organizer[E]) handleEvent(_ context.Context, evt eventbus.Event) {
	switch evt.Tag {
	case eventbus.TagStop:
		o.tree.Clear()

	case eventbus.TagUnchecked, eventbus.TagUnpreconfirmable, eventbus.TagUnconfirmable:
		if evt.Value.HasLink() {
			o.disorganize(evt.Value.Link)
		}
	}
}

// Organize admits entry, eventually invoking handler with the admission
// result on the organizer's own strand.
func (o *Organizer[E]) Organize(ctx context.Context, entry E, handler Handler) {
	o.strand.Execute(ctx, func(context.Context) {
		o.doOrganize(entry, handler)
	})
}

func (o *Organizer[E]) doOrganize(entry E, handler Handler) {
	hash := entry.Hash()

	// 1. Duplicate/orphan screen.
	if o.closed.Load() {
		handler(chainerr.ErrServiceStopped, 0)
		return
	}

	if o.tree.Contains(hash) {
		handler(chainerr.ErrDuplicateHeader, 0)
		return
	}

	if link := o.store.ToHeader(hash); !link.IsTerminal() {
		height, _ := o.store.GetHeight(link)

		state, ok := o.store.GetHeaderState(link)
		if ok && state == archive.Unconfirmable {
			handler(chainerr.ErrBlockUnconfirmable, height)
			return
		}

		if !o.caps.IsBlock {
			handler(chainerr.ErrDuplicateHeader, height)
			return
		}

		if !ok || state != archive.Unassociated || o.store.IsAssociated(link) {
			handler(chainerr.ErrDuplicateHeader, height)
			return
		}
	}

	parentState := o.chainState(entry.PreviousHash())
	if parentState == nil {
		handler(chainerr.ErrOrphanHeader, 0)
		return
	}

	// 2. Roll chain state forward.
	state := chain.Roll(parentState, entry.Header(), o.cfg.Params)
	height := state.Height()

	if state.Forks() != parentState.Forks() {
		log.Infof("Fork flags changed to %#x at height %d",
			state.Forks(), height)
	}
	if state.MinimumBlockVersion() != parentState.MinimumBlockVersion() {
		log.Infof("Minimum block version changed to %d at height %d",
			state.MinimumBlockVersion(), height)
	}

	// 3. Checkpoint check.
	if want, ok := o.cfg.Checkpoints[height]; ok && want != hash {
		handler(chainerr.ErrCheckpointConflict, height)
		return
	}

	// 4. Validation.
	if o.caps.Validate != nil {
		if err := o.caps.Validate(entry, state.Context()); err != nil {
			handler(err, height)
			return
		}
	}

	// 5. Storability gate.
	_, checkpointed := o.cfg.Checkpoints[height]
	storable := checkpointed || height <= o.cfg.Milestone ||
		(o.isCurrent(entry) && state.CumulativeWork().Cmp(o.cfg.MinimumWork) >= 0)

	if !storable {
		o.tree.Insert(hash, chain.TreeNode[E]{Entry: entry, State: state})
		handler(nil, height)
		return
	}

	// 6. Branch-work computation.
	work, point, treeBranch, storeBranch, ok := o.branchWork(entry)
	if !ok {
		handler(chainerr.ErrStoreIntegrity, height)
		o.fault(chainerr.ErrStoreIntegrity)
		return
	}

	// 7. Strong-branch test.
	strong, ok := o.isStrong(work, point)
	if !ok {
		handler(chainerr.ErrStoreIntegrity, height)
		o.fault(chainerr.ErrStoreIntegrity)
		return
	}

	if !strong {
		o.tree.Insert(hash, chain.TreeNode[E]{Entry: entry, State: state})
		handler(nil, height)
		return
	}

	// 8. Reorganize.
	if err := o.reorganize(point, treeBranch, storeBranch, entry, state); err != nil {
		handler(err, height)
		o.fault(err)
		return
	}

	// 9. Notify. Header events only fire once the chain tip is current:
	// during initial header sync the download pool is driven by milestone
	// and checkpoint coverage, not by every intermediate reorganization.
	o.topState = state
	if o.caps.IsBlock || o.isCurrent(entry) {
		o.bus.Publish(eventbus.Event{
			Tag:   o.caps.EventTag,
			Value: eventbus.HeightValue(chain.Height(point)),
		})
	}

	handler(nil, height)
}

// chainState resolves the ChainState for hash: cached top, else tree, else
// a full archive scan.
func (o *Organizer[E]) chainState(hash chain.Hash) *chain.ChainState {
	if o.topState != nil && o.topState.Hash() == hash {
		return o.topState
	}

	if node, ok := o.tree.Find(hash); ok {
		return node.State
	}

	link := o.store.ToHeader(hash)
	if link.IsTerminal() {
		return nil
	}

	height, ok := o.store.GetHeight(link)
	if !ok {
		return nil
	}

	state, ok := o.store.GetCandidateChainState(o.cfg.Params, height)
	if !ok {
		return nil
	}

	return state
}

// isCurrent reports whether entry's header is recent enough (within the
// configured currency window) to count toward the storability gate.
func (o *Organizer[E]) isCurrent(entry E) bool {
	if !o.cfg.UseCurrencyWindow || o.cfg.CurrencyWindow == nil {
		return true
	}

	headerTime := entry.Header().Timestamp.Unix()
	cutoff := o.cfg.CurrencyWindow.Now().Unix() - o.cfg.CurrencyWindowSeconds

	return headerTime >= cutoff
}

// branchWork walks parents of entry through the tree and then the
// archive, summing proof-of-work, until a candidate-chain link is found.
func (o *Organizer[E]) branchWork(entry E) (work *big.Int, point chain.Height,
	treeBranch []chain.Hash, storeBranch []chain.HeaderLink, ok bool) {

	work = new(big.Int).Set(entry.Proof())
	previous := entry.PreviousHash()

	for {
		node, found := o.tree.Find(previous)
		if !found {
			break
		}

		treeBranch = append(treeBranch, previous)
		work.Add(work, node.Entry.Proof())
		previous = node.Entry.PreviousHash()
	}

	link := o.store.ToHeader(previous)
	for !link.IsTerminal() && !o.store.IsCandidateBlock(link) {
		bits, found := o.store.GetBits(link)
		if !found {
			return nil, 0, nil, nil, false
		}

		storeBranch = append(storeBranch, link)
		work.Add(work, chain.ProofFromBits(bits))
		link = o.store.ToParent(link)
	}

	if link.IsTerminal() {
		return nil, 0, nil, nil, false
	}

	height, found := o.store.GetHeight(link)
	if !found {
		return nil, 0, nil, nil, false
	}

	return work, height, treeBranch, storeBranch, true
}

// isStrong reports whether work exceeds the candidate chain's summed
// proof above point. Equal work is weak: it never displaces the incumbent.
func (o *Organizer[E]) isStrong(work *big.Int, point chain.Height) (bool, bool) {
	candidateWork := new(big.Int)

	top := o.store.GetTopCandidate()
	for height := top; height > point; height-- {
		link := o.store.ToCandidate(height)

		bits, found := o.store.GetBits(link)
		if !found {
			return false, false
		}

		candidateWork.Add(candidateWork, chain.ProofFromBits(bits))
		if candidateWork.Cmp(work) >= 0 {
			return false, true
		}
	}

	return true, true
}

// reorganize pops the candidate chain down to point, then pushes
// storeBranch and treeBranch (both ordered youngest-first by branchWork,
// so each is replayed in reverse) and finally entry itself.
func (o *Organizer[E]) reorganize(point chain.Height, treeBranch []chain.Hash,
	storeBranch []chain.HeaderLink, entry E, state *chain.ChainState) error {

	top := o.store.GetTopCandidate()
	popped := top > point
	for top > point {
		if !o.store.PopCandidate() {
			return chainerr.ErrStoreIntegrity
		}
		top--
	}

	// Preconfirm's validated watermark must regress with the chain it
	// was measured against.
	if popped {
		o.bus.Publish(eventbus.Event{
			Tag:   eventbus.TagRegressed,
			Value: eventbus.HeightValue(point),
		})
	}

	for i := len(storeBranch) - 1; i >= 0; i-- {
		if !o.store.PushCandidate(storeBranch[i]) {
			return chainerr.ErrStoreIntegrity
		}
	}

	for i := len(treeBranch) - 1; i >= 0; i-- {
		node, found := o.tree.Extract(treeBranch[i])
		if !found {
			return chainerr.ErrStoreIntegrity
		}

		link := o.caps.SetLink(o.store, node.Entry, node.State.Context())
		if link.IsTerminal() || !o.store.PushCandidate(link) {
			return chainerr.ErrStoreIntegrity
		}
	}

	link := o.caps.SetLink(o.store, entry, state.Context())
	if link.IsTerminal() || !o.store.PushCandidate(link) {
		return chainerr.ErrStoreIntegrity
	}

	if popped {
		log.Debugf("Reorganized candidate chain above height %d "+
			"(%d archived, %d promoted)", point, len(storeBranch),
			len(treeBranch))
	}

	return nil
}

// disorganize runs on the organizer's strand in response to a bus-delivered
// unchecked/unpreconfirmable/unconfirmable event naming link as the first
// bad block. It marks every candidate above link's height unconfirmable
// and pops the candidate chain down through link itself (candidates
// between the fork point and link stay on the chain), resets top_state to
// the fork point, reseeds the tree with every candidate above the fork
// point (so a future stronger or replacement block can reuse the work
// already done), pushes any confirmed headers above the fork point back
// onto the candidate chain, and announces the reset.
func (o *Organizer[E]) disorganize(link chain.HeaderLink) {
	if !o.store.IsCandidateBlock(link) {
		return
	}

	height, ok := o.store.GetHeight(link)
	if !ok {
		o.fault(chainerr.ErrInternal)
		return
	}

	forkPoint := o.store.GetFork()
	if height <= forkPoint {
		o.fault(chainerr.ErrInternal)
		return
	}

	top := o.store.GetTopCandidate()

	popped := make([]chain.HeaderLink, 0, int(top-forkPoint))
	for h := top; h > forkPoint; h-- {
		popped = append(popped, o.store.ToCandidate(h))
	}

	for h := top; h > height; h-- {
		victim := o.store.ToCandidate(h)
		if !o.store.SetBlockUnconfirmable(victim) || !o.store.PopCandidate() {
			o.fault(chainerr.ErrStoreIntegrity)
			return
		}
	}

	if !o.store.PopCandidate() {
		o.fault(chainerr.ErrStoreIntegrity)
		return
	}

	state, ok := o.store.GetCandidateChainState(o.cfg.Params, forkPoint)
	if !ok {
		o.fault(chainerr.ErrStoreIntegrity)
		return
	}

	o.topState = state

	if o.caps.Load != nil {
		rolling := state
		for i := len(popped) - 1; i >= 0; i-- {
			entry, found := o.caps.Load(o.store, popped[i])
			if !found {
				continue
			}

			rolling = chain.Roll(rolling, entry.Header(), o.cfg.Params)
			o.tree.Insert(entry.Hash(), chain.TreeNode[E]{Entry: entry, State: rolling})
		}
	}

	log.Tracef("Reseeding tree with disorganized branch: %v",
		lnutils.SpewLogClosure(popped))

	confirmedTop := o.store.GetTopConfirmed()
	for h := forkPoint + 1; h <= confirmedTop; h++ {
		if !o.store.PushCandidate(o.store.ToConfirmed(h)) {
			o.fault(chainerr.ErrStoreIntegrity)
			return
		}
	}

	o.bus.Publish(eventbus.Event{
		Tag:   eventbus.TagDisorganized,
		Value: eventbus.HeightValue(confirmedTop),
	})
}

// fault closes the organizer after a fatal condition, handing err to the
// configured OnFault hook first so the owning
// node can decide how to fault the rest of the core.
func (o *Organizer[E]) fault(err error) {
	if o.cfg.OnFault != nil {
		o.cfg.OnFault(err)
	}

	o.Close()
}

// TopState returns the organizer's cached top-of-candidate ChainState.
func (o *Organizer[E]) TopState() *chain.ChainState {
	return o.topState
}

// Close stops the organizer's strand. Organize calls still in flight fail
// with ErrServiceStopped once they reach the strand.
func (o *Organizer[E]) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}

	o.strand.Close()
}
