package channeldb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
)

const (
	dbName           = "channel.db"
	dbFilePermission = 0600
)

var (
	// channelBucket holds one key per ChannelID, mapping to the most
	// recently persisted snapshot of both endpoints' accounting state.
	channelBucket = []byte("open-channels")

	// deltaBucket holds one key per (ChannelID, nonce), mapping to the
	// snapshot as it stood right after that nonce was applied, so a
	// dispute can reconstruct the state backing a specific signed nonce
	// (spec.md §4.2's "retain enough history to produce a balance proof
	// for any previously-signed state").
	deltaBucket = []byte("channel-deltas")

	// byteOrder is the integer encoding for bucket keys, chosen so cursor
	// scans over nonce-suffixed keys iterate in nonce order.
	byteOrder = binary.BigEndian
)

// DB is the boltdb-backed store for channel snapshots and their delta
// history, grounded on channeldb/db.go's DB/Open/Wipe structure.
type DB struct {
	store  *bolt.DB
	dbPath string
}

// Open opens (creating if necessary) the channel database rooted at dbPath.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := createChannelDB(dbPath); err != nil {
			return nil, err
		}
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	return &DB{store: bdb, dbPath: dbPath}, nil
}

// Close terminates the underlying database handle.
func (d *DB) Close() error {
	return d.store.Close()
}

// Wipe deletes all stored channel and delta state in a single transaction.
func (d *DB) Wipe() error {
	return d.store.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(channelBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(deltaBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}

func createChannelDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucket(channelBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(deltaBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("channeldb: unable to create new channel db: %v", err)
	}

	return bdb.Close()
}

func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// endpointSnapshot is the flat, serializable projection of an EndpointState
// used for persistence. Locks are stored as an ordered list of LockedTransfer
// wire encodings so the LockSet's insertion order round-trips exactly.
type endpointSnapshot struct {
	Address           Address
	ContractBalance   Amount
	TransferredAmount Amount
	Nonce             uint64
	Locks             []LockedTransfer
}

func snapshotEndpoint(s *EndpointState) endpointSnapshot {
	// order holds lock hashes, not hashlocks, so map each back to its entry.
	byLockHash := make(map[Hash32]LockedTransfer, s.Locks.Len())
	for _, e := range s.Locks.byHashlock {
		byLockHash[e.transfer.Lock.Hash()] = e.transfer
	}
	locks := make([]LockedTransfer, 0, s.Locks.Len())
	for _, h := range s.Locks.order {
		locks = append(locks, byLockHash[h])
	}
	return endpointSnapshot{
		Address:           s.Address,
		ContractBalance:   s.ContractBalance,
		TransferredAmount: s.TransferredAmount,
		Nonce:             s.Nonce,
		Locks:             locks,
	}
}

func (e endpointSnapshot) restore() (*EndpointState, error) {
	s := NewEndpointState(e.Address, e.ContractBalance)
	s.TransferredAmount = e.TransferredAmount
	s.Nonce = e.Nonce
	for _, lt := range e.Locks {
		if err := s.Locks.Add(lt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func writeEndpointSnapshot(w io.Writer, e endpointSnapshot) error {
	if _, err := w.Write(e.Address[:]); err != nil {
		return err
	}
	cb := e.ContractBalance.Bytes32()
	if _, err := w.Write(cb[:]); err != nil {
		return err
	}
	ta := e.TransferredAmount.Bytes32()
	if _, err := w.Write(ta[:]); err != nil {
		return err
	}
	var scratch [8]byte
	putUint64BE(scratch[:], e.Nonce)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	putUint64BE(scratch[:], uint64(len(e.Locks)))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	for _, lt := range e.Locks {
		if err := Encode(w, lt); err != nil {
			return err
		}
	}
	return nil
}

func readEndpointSnapshot(r io.Reader) (endpointSnapshot, error) {
	var e endpointSnapshot

	if _, err := io.ReadFull(r, e.Address[:]); err != nil {
		return e, err
	}

	var b32 [32]byte
	if _, err := io.ReadFull(r, b32[:]); err != nil {
		return e, err
	}
	e.ContractBalance = amountFromBytes32(b32)

	if _, err := io.ReadFull(r, b32[:]); err != nil {
		return e, err
	}
	e.TransferredAmount = amountFromBytes32(b32)

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return e, err
	}
	e.Nonce = beUint64(scratch[:])

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return e, err
	}
	n := beUint64(scratch[:])

	e.Locks = make([]LockedTransfer, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := Decode(r)
		if err != nil {
			return e, err
		}
		lt, ok := v.(LockedTransfer)
		if !ok {
			return e, fmt.Errorf("channeldb: snapshot contains non-lock transfer %T", v)
		}
		e.Locks = append(e.Locks, lt)
	}

	return e, nil
}

func encodeChannelSnapshot(c *Channel) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeEndpointSnapshot(&buf, snapshotEndpoint(c.Our)); err != nil {
		return nil, err
	}
	if err := writeEndpointSnapshot(&buf, snapshotEndpoint(c.Partner)); err != nil {
		return nil, err
	}
	if _, err := buf.Write(c.AssetAddress[:]); err != nil {
		return nil, err
	}
	var scratch [8]byte
	putUint64BE(scratch[:], uint64(c.RevealTimeout))
	buf.Write(scratch[:])
	putUint64BE(scratch[:], uint64(c.SettleTimeout))
	buf.Write(scratch[:])
	buf.WriteByte(byte(c.status))

	return buf.Bytes(), nil
}

func decodeChannelSnapshot(data []byte, funding ChannelID, external ExternalChain) (*Channel, error) {
	r := bytes.NewReader(data)

	ourSnap, err := readEndpointSnapshot(r)
	if err != nil {
		return nil, err
	}
	partnerSnap, err := readEndpointSnapshot(r)
	if err != nil {
		return nil, err
	}
	our, err := ourSnap.restore()
	if err != nil {
		return nil, err
	}
	partner, err := partnerSnap.restore()
	if err != nil {
		return nil, err
	}

	var asset Address
	if _, err := io.ReadFull(r, asset[:]); err != nil {
		return nil, err
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	reveal := BlockNumber(beUint64(scratch[:]))
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	settle := BlockNumber(beUint64(scratch[:]))

	statusByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	c := NewChannel(funding, our, partner, asset, reveal, settle, external)
	c.status = ChannelStatus(statusByte)
	return c, nil
}

func channelKey(id ChannelID) []byte {
	return []byte(id.String())
}

func deltaKey(id ChannelID, nonce uint64) []byte {
	key := make([]byte, 0, len(channelKey(id))+8)
	key = append(key, channelKey(id)...)
	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], nonce)
	return append(key, scratch[:]...)
}

// PutChannel persists c's current snapshot under its funding outpoint, and
// additionally appends it to the delta log keyed by our own current nonce,
// so FindPreviousState can later recover the state as of that nonce.
func (d *DB) PutChannel(c *Channel) error {
	raw, err := encodeChannelSnapshot(c)
	if err != nil {
		return err
	}

	return d.store.Update(func(tx *bolt.Tx) error {
		chanBucket := tx.Bucket(channelBucket)
		if err := chanBucket.Put(channelKey(c.Funding), raw); err != nil {
			return err
		}

		delta := tx.Bucket(deltaBucket)
		return delta.Put(deltaKey(c.Funding, c.Our.Nonce), raw)
	})
}

// FetchChannel returns the most recently persisted snapshot for id,
// reattached to external. ErrNoActiveChannel is returned if nothing is
// stored under id.
func (d *DB) FetchChannel(id ChannelID, external ExternalChain) (*Channel, error) {
	var c *Channel

	err := d.store.View(func(tx *bolt.Tx) error {
		chanBucket := tx.Bucket(channelBucket)
		raw := chanBucket.Get(channelKey(id))
		if raw == nil {
			return ErrNoActiveChannel
		}

		decoded, err := decodeChannelSnapshot(raw, id, external)
		if err != nil {
			return err
		}
		c = decoded
		return nil
	})

	return c, err
}

// FindPreviousState returns the channel snapshot as it stood immediately
// after our own nonce was advanced to nonce, for reconstructing a balance
// proof during a dispute. Returns ErrNoPastState if no delta was recorded
// at that nonce.
func (d *DB) FindPreviousState(id ChannelID, nonce uint64, external ExternalChain) (*Channel, error) {
	var c *Channel

	err := d.store.View(func(tx *bolt.Tx) error {
		delta := tx.Bucket(deltaBucket)
		raw := delta.Get(deltaKey(id, nonce))
		if raw == nil {
			return ErrNoPastState
		}

		decoded, err := decodeChannelSnapshot(raw, id, external)
		if err != nil {
			return err
		}
		c = decoded
		return nil
	})

	return c, err
}

// DeleteChannel removes id's current snapshot. The delta log is left
// intact, since a closed channel's history may still be needed to settle a
// dispute raised after closure.
func (d *DB) DeleteChannel(id ChannelID) error {
	return d.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(channelBucket).Delete(channelKey(id))
	})
}
