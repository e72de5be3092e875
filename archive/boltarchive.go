package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcorg/chainnode/chain"
	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"
)

const dbFilePermission = 0600

// byteOrder is the fixed-width integer encoding used for every bucket
// key. Big endian is preferred so cursor scans over integer keys iterate
// in order.
var byteOrder = binary.BigEndian

var bufPool = &sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

var (
	headersBucket   = []byte("headers")    // link(8) -> encoded record
	hashIndexBucket = []byte("hash-index") // hash(32) -> link(8)
	candidateBucket = []byte("candidate")  // height(4) -> link(8)
	confirmedBucket = []byte("confirmed")  // height(4) -> link(8)
)

// BoltArchive is the persistent Archive implementation: one bbolt
// database file holding every archived header/block keyed by a stable
// link, plus two height-indexed buckets standing in for the candidate and
// confirmed chains.
type BoltArchive struct {
	db *bolt.DB
}

// OpenBoltArchive opens (creating if absent) a bbolt-backed archive at
// path, seeding it with genesis at height 0 on both chains if empty.
func OpenBoltArchive(path string, genesis *chain.Header, genesisCtx chain.Context) (*BoltArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	log.Infof("Opening chain archive %s", path)

	db, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	a := &BoltArchive{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{headersBucket, hashIndexBucket,
			candidateBucket, confirmedBucket} {

			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := a.maybeSeedGenesis(genesis, genesisCtx); err != nil {
		db.Close()
		return nil, err
	}

	return a, nil
}

// Close closes the underlying database file.
func (a *BoltArchive) Close() error {
	return a.db.Close()
}

func (a *BoltArchive) maybeSeedGenesis(genesis *chain.Header, ctx chain.Context) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		candidates := tx.Bucket(candidateBucket)
		if candidates.Get(heightKey(0)) != nil {
			return nil
		}

		link, err := a.putRecord(tx, &record{
			header: genesis,
			ctx:    ctx,
			height: 0,
			state:  Confirmed,
		})
		if err != nil {
			return err
		}

		if err := candidates.Put(heightKey(0), linkKey(link)); err != nil {
			return err
		}

		return tx.Bucket(confirmedBucket).Put(heightKey(0), linkKey(link))
	})
}

func heightKey(h chain.Height) []byte {
	buf := make([]byte, 4)
	byteOrder.PutUint32(buf, h)

	return buf
}

func linkKey(link chain.HeaderLink) []byte {
	buf := make([]byte, 8)
	byteOrder.PutUint64(buf, uint64(link))

	return buf
}

func parseLink(b []byte) chain.HeaderLink {
	if len(b) != 8 {
		return chain.TerminalLink
	}

	return chain.HeaderLink(byteOrder.Uint64(b))
}

// encodeRecord serializes r as: header(80) | height(4) | forks(4) |
// mtp(4) | state(1) | txsConnected(1) | hasBlock(1) | [blockLen(4) |
// blockBytes].
func encodeRecord(r *record) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if err := r.header.Serialize(buf); err != nil {
		return nil, err
	}

	var scratch [13]byte
	byteOrder.PutUint32(scratch[0:4], r.height)
	byteOrder.PutUint32(scratch[4:8], uint32(r.ctx.Forks))
	byteOrder.PutUint32(scratch[8:12], r.ctx.MedianTimePast)
	scratch[12] = byte(r.state)
	buf.Write(scratch[:])

	if r.txsConnected {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if r.block == nil {
		buf.WriteByte(0)
		return append([]byte(nil), buf.Bytes()...), nil
	}

	buf.WriteByte(1)

	blockBuf := new(bytes.Buffer)
	if err := r.block.MsgBlock().Serialize(blockBuf); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(blockBuf.Len()))
	buf.Write(lenBuf[:])
	buf.Write(blockBuf.Bytes())

	return append([]byte(nil), buf.Bytes()...), nil
}

func decodeRecord(raw []byte) (*record, error) {
	r := bytes.NewReader(raw)

	var wh wire.BlockHeader
	if err := wh.Deserialize(r); err != nil {
		return nil, err
	}

	var scratch [13]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}

	rec := &record{
		header: chain.NewHeader(wh),
		height: byteOrder.Uint32(scratch[0:4]),
		ctx: chain.Context{
			Height:         byteOrder.Uint32(scratch[0:4]),
			Forks:          chain.Forks(byteOrder.Uint32(scratch[4:8])),
			MedianTimePast: byteOrder.Uint32(scratch[8:12]),
		},
		state: BlockState(scratch[12]),
	}

	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	rec.txsConnected = flag[0] == 1

	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}

	if flag[0] == 1 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}

		blockLen := byteOrder.Uint32(lenBuf[:])
		blockBytes := make([]byte, blockLen)
		if _, err := io.ReadFull(r, blockBytes); err != nil {
			return nil, err
		}

		var wb wire.MsgBlock
		if err := wb.Deserialize(bytes.NewReader(blockBytes)); err != nil {
			return nil, err
		}

		rec.block = chain.NewBlock(&wb)
	}

	return rec, nil
}

// putRecord writes rec as a new record, allocating a fresh link via the
// headers bucket's sequence counter, and indexes it by hash.
func (a *BoltArchive) putRecord(tx *bolt.Tx, rec *record) (chain.HeaderLink, error) {
	headers := tx.Bucket(headersBucket)

	seq, err := headers.NextSequence()
	if err != nil {
		return chain.TerminalLink, err
	}

	link := chain.HeaderLink(seq - 1)

	encoded, err := encodeRecord(rec)
	if err != nil {
		return chain.TerminalLink, err
	}

	if err := headers.Put(linkKey(link), encoded); err != nil {
		return chain.TerminalLink, err
	}

	hash := rec.header.Hash()
	if err := tx.Bucket(hashIndexBucket).Put(hash[:], linkKey(link)); err != nil {
		return chain.TerminalLink, err
	}

	return link, nil
}

func (a *BoltArchive) getRecord(tx *bolt.Tx, link chain.HeaderLink) (*record, error) {
	raw := tx.Bucket(headersBucket).Get(linkKey(link))
	if raw == nil {
		return nil, nil
	}

	return decodeRecord(raw)
}

func (a *BoltArchive) putExistingRecord(tx *bolt.Tx, link chain.HeaderLink, rec *record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return tx.Bucket(headersBucket).Put(linkKey(link), encoded)
}

// GetTopCandidate returns the height of the last entry on the candidate
// chain.
func (a *BoltArchive) GetTopCandidate() chain.Height {
	return a.topOf(candidateBucket)
}

// GetTopConfirmed returns the height of the last entry on the confirmed
// chain.
func (a *BoltArchive) GetTopConfirmed() chain.Height {
	return a.topOf(confirmedBucket)
}

func (a *BoltArchive) topOf(bucket []byte) chain.Height {
	var top chain.Height

	_ = a.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucket).Cursor().Last()
		if k != nil {
			top = byteOrder.Uint32(k)
		}

		return nil
	})

	return top
}

// GetFork returns the confirmed chain's top height, which is always the
// fork point.
func (a *BoltArchive) GetFork() chain.Height {
	return a.GetTopConfirmed()
}

// ToCandidate resolves a candidate-chain height to its HeaderLink.
func (a *BoltArchive) ToCandidate(height chain.Height) chain.HeaderLink {
	return a.linkAtHeight(candidateBucket, height)
}

// ToConfirmed resolves a confirmed-chain height to its HeaderLink.
func (a *BoltArchive) ToConfirmed(height chain.Height) chain.HeaderLink {
	return a.linkAtHeight(confirmedBucket, height)
}

func (a *BoltArchive) linkAtHeight(bucket []byte, height chain.Height) chain.HeaderLink {
	link := chain.TerminalLink

	_ = a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(heightKey(height)); v != nil {
			link = parseLink(v)
		}

		return nil
	})

	return link
}

// ToHeader resolves a header hash to its HeaderLink, whether or not it is
// on a chain.
func (a *BoltArchive) ToHeader(hash chain.Hash) chain.HeaderLink {
	link := chain.TerminalLink

	_ = a.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(hashIndexBucket).Get(hash[:]); v != nil {
			link = parseLink(v)
		}

		return nil
	})

	return link
}

// ToParent resolves link's previous-hash to its own HeaderLink.
func (a *BoltArchive) ToParent(link chain.HeaderLink) chain.HeaderLink {
	parent := chain.TerminalLink

	_ = a.db.View(func(tx *bolt.Tx) error {
		rec, err := a.getRecord(tx, link)
		if err != nil || rec == nil {
			return nil
		}

		prev := rec.header.PreviousHash()
		if v := tx.Bucket(hashIndexBucket).Get(prev[:]); v != nil {
			parent = parseLink(v)
		}

		return nil
	})

	return parent
}

// GetHeight returns link's height.
func (a *BoltArchive) GetHeight(link chain.HeaderLink) (chain.Height, bool) {
	rec, ok := a.readRecord(link)
	if !ok {
		return 0, false
	}

	return rec.height, true
}

// GetBits returns link's compact difficulty.
func (a *BoltArchive) GetBits(link chain.HeaderLink) (uint32, bool) {
	rec, ok := a.readRecord(link)
	if !ok {
		return 0, false
	}

	return rec.header.Bits, true
}

// GetHeaderState returns the confirmation-pipeline state recorded for
// link's header.
func (a *BoltArchive) GetHeaderState(link chain.HeaderLink) (BlockState, bool) {
	return a.GetBlockState(link)
}

// GetBlockState returns the confirmation-pipeline state recorded for link.
func (a *BoltArchive) GetBlockState(link chain.HeaderLink) (BlockState, bool) {
	rec, ok := a.readRecord(link)
	if !ok {
		return 0, false
	}

	return rec.state, true
}

// IsCandidateBlock reports whether link is currently on the candidate
// chain at its recorded height.
func (a *BoltArchive) IsCandidateBlock(link chain.HeaderLink) bool {
	rec, ok := a.readRecord(link)
	if !ok {
		return false
	}

	return a.linkAtHeight(candidateBucket, rec.height) == link
}

// IsAssociated reports whether link's block body has been stored.
func (a *BoltArchive) IsAssociated(link chain.HeaderLink) bool {
	rec, ok := a.readRecord(link)
	return ok && rec.block != nil
}

// IsMalleable always reports false: the persistent archive does not model
// the test-only malleability fixture Memory exposes (malleability is
// inferred from two distinct blocks arriving at one height, never from
// stored state).
func (a *BoltArchive) IsMalleable(chain.HeaderLink) bool {
	return false
}

func (a *BoltArchive) readRecord(link chain.HeaderLink) (*record, bool) {
	var rec *record

	_ = a.db.View(func(tx *bolt.Tx) error {
		r, err := a.getRecord(tx, link)
		if err == nil {
			rec = r
		}

		return nil
	})

	return rec, rec != nil
}

// GetCandidateChainState rebuilds the ChainState at height by rolling
// forward from genesis.
func (a *BoltArchive) GetCandidateChainState(params chain.Params, height chain.Height) (*chain.ChainState, bool) {
	var state *chain.ChainState

	err := a.db.View(func(tx *bolt.Tx) error {
		genesisLink := parseLink(tx.Bucket(candidateBucket).Get(heightKey(0)))
		genesis, err := a.getRecord(tx, genesisLink)
		if err != nil || genesis == nil {
			return errMissing
		}

		state = chain.NewGenesisChainState(genesis.header, params)

		for h := chain.Height(1); h <= height; h++ {
			v := tx.Bucket(candidateBucket).Get(heightKey(h))
			if v == nil {
				return errMissing
			}

			rec, err := a.getRecord(tx, parseLink(v))
			if err != nil || rec == nil {
				return errMissing
			}

			state = chain.Roll(state, rec.header, params)
		}

		return nil
	})

	return state, err == nil
}

// GetUnassociatedAbove scans the candidate chain above height for headers
// with no stored block body, returning up to n in ascending order.
func (a *BoltArchive) GetUnassociatedAbove(height chain.Height, n int) []chain.Association {
	var out []chain.Association

	_ = a.db.View(func(tx *bolt.Tx) error {
		candidates := tx.Bucket(candidateBucket)

		var top chain.Height
		if k, _ := candidates.Cursor().Last(); k != nil {
			top = byteOrder.Uint32(k)
		}

		for h := height + 1; h <= top && len(out) < n; h++ {
			v := candidates.Get(heightKey(h))
			if v == nil {
				continue
			}

			link := parseLink(v)
			rec, err := a.getRecord(tx, link)
			if err != nil || rec == nil || rec.block != nil {
				continue
			}

			out = append(out, chain.Association{
				Link:    link,
				Hash:    rec.header.Hash(),
				Height:  h,
				Context: rec.ctx,
			})
		}

		return nil
	})

	return out
}

// GetBlock returns the stored block body for link, if associated.
func (a *BoltArchive) GetBlock(link chain.HeaderLink) (*chain.Block, bool) {
	rec, ok := a.readRecord(link)
	if !ok || rec.block == nil {
		return nil, false
	}

	return rec.block, true
}

// GetHeader returns link's archived header, regardless of association.
func (a *BoltArchive) GetHeader(link chain.HeaderLink) (*chain.Header, bool) {
	rec, ok := a.readRecord(link)
	if !ok {
		return nil, false
	}

	return rec.header, true
}

// GetContext returns the validation context archived alongside link.
func (a *BoltArchive) GetContext(link chain.HeaderLink) (chain.Context, bool) {
	rec, ok := a.readRecord(link)
	if !ok {
		return chain.Context{}, false
	}

	return rec.ctx, true
}

// Populate is a no-op placeholder: the validators that consume the UTXO
// view are external collaborators; the persistent archive only has to
// hand back something for them to receive.
func (a *BoltArchive) Populate(_ *chain.Block) (any, error) {
	return struct{}{}, nil
}

// SetLink archives header (and block, if non-nil) under a fresh HeaderLink,
// or updates the existing one for this hash if already present.
func (a *BoltArchive) SetLink(header *chain.Header, block *chain.Block, ctx chain.Context) chain.HeaderLink {
	link := chain.TerminalLink

	hash := header.Hash()

	err := a.db.Update(func(tx *bolt.Tx) error {
		if v := tx.Bucket(hashIndexBucket).Get(hash[:]); v != nil {
			existing := parseLink(v)

			rec, err := a.getRecord(tx, existing)
			if err != nil || rec == nil {
				return errMissing
			}

			if block != nil && rec.block == nil {
				rec.block = block
				if err := a.putExistingRecord(tx, existing, rec); err != nil {
					return err
				}
			}

			link = existing
			return nil
		}

		newLink, err := a.putRecord(tx, &record{
			header: header,
			block:  block,
			ctx:    ctx,
			height: ctx.Height,
			state:  Unassociated,
		})
		if err != nil {
			return err
		}

		link = newLink
		return nil
	})
	if err != nil {
		return chain.TerminalLink
	}

	return link
}

// PushCandidate appends link to the candidate chain.
func (a *BoltArchive) PushCandidate(link chain.HeaderLink) bool {
	return a.push(candidateBucket, link)
}

// PushConfirmed appends link to the confirmed chain.
func (a *BoltArchive) PushConfirmed(link chain.HeaderLink) bool {
	return a.push(confirmedBucket, link)
}

func (a *BoltArchive) push(bucket []byte, link chain.HeaderLink) bool {
	ok := false

	_ = a.db.Update(func(tx *bolt.Tx) error {
		rec, err := a.getRecord(tx, link)
		if err != nil || rec == nil {
			return nil
		}

		b := tx.Bucket(bucket)
		_, last := b.Cursor().Last()

		nextHeight := chain.Height(0)
		if last != nil {
			nextHeight = byteOrder.Uint32(last) + 1
		}

		if rec.height != nextHeight {
			return nil
		}

		if err := b.Put(heightKey(rec.height), linkKey(link)); err != nil {
			return err
		}

		ok = true
		return nil
	})

	return ok
}

// PopCandidate removes the top candidate entry.
func (a *BoltArchive) PopCandidate() bool {
	return a.pop(candidateBucket)
}

// PopConfirmed removes the top confirmed entry.
func (a *BoltArchive) PopConfirmed() bool {
	return a.pop(confirmedBucket)
}

func (a *BoltArchive) pop(bucket []byte) bool {
	ok := false

	_ = a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()

		k, _ := c.Last()
		if k == nil || byteOrder.Uint32(k) == 0 {
			return nil
		}

		ok = true
		return c.Delete()
	})

	return ok
}

// SetBlockUnconfirmable marks link's block as permanently rejected.
func (a *BoltArchive) SetBlockUnconfirmable(link chain.HeaderLink) bool {
	return a.setState(link, Unconfirmable)
}

// SetBlockPreconfirmable marks link's block as having passed accept+connect.
func (a *BoltArchive) SetBlockPreconfirmable(link chain.HeaderLink) bool {
	return a.setState(link, Preconfirmable)
}

// SetBlockConfirmed marks link's block as confirmed.
func (a *BoltArchive) SetBlockConfirmed(link chain.HeaderLink) bool {
	return a.setState(link, Confirmed)
}

func (a *BoltArchive) setState(link chain.HeaderLink, state BlockState) bool {
	ok := false

	_ = a.db.Update(func(tx *bolt.Tx) error {
		rec, err := a.getRecord(tx, link)
		if err != nil || rec == nil {
			return nil
		}

		rec.state = state
		if err := a.putExistingRecord(tx, link, rec); err != nil {
			return err
		}

		ok = true
		return nil
	})

	return ok
}

// SetTxsConnected records that link's block successfully connected against
// the UTXO view.
func (a *BoltArchive) SetTxsConnected(link chain.HeaderLink) bool {
	ok := false

	_ = a.db.Update(func(tx *bolt.Tx) error {
		rec, err := a.getRecord(tx, link)
		if err != nil || rec == nil {
			return nil
		}

		rec.txsConnected = true
		if err := a.putExistingRecord(tx, link, rec); err != nil {
			return err
		}

		ok = true
		return nil
	})

	return ok
}

var errMissing = errors.New("record missing")
