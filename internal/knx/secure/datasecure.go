package secure

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/knxcore/internal/knx/address"
)

// initialSequenceEpoch is the Data Secure reference instant: sequence
// numbers for locally originated frames start at the number of
// milliseconds elapsed since this instant, so a restarted device never
// reuses a sequence number a peer has already seen (assuming clocks don't
// run backwards across restarts).
var initialSequenceEpoch = time.Date(2018, time.January, 5, 0, 0, 0, 0, time.UTC)

// ErrReplay is returned when an incoming frame's sequence number is not
// strictly greater than the last one accepted from that sender.
var ErrReplay = errors.New("secure: sequence number replay")

// ErrNoKey is returned when no key is configured for a group or sender
// address.
var ErrNoKey = errors.New("secure: no key configured")

// Store persists per-sender receive sequence numbers and the local
// transmit sequence counter across restarts. A nil Store is valid: state
// is then kept in memory only, at the cost of being able to replay old
// traffic after a restart, since the device forgot what it last sent.
type Store interface {
	LoadTxSequence() (uint64, bool, error)
	SaveTxSequence(seq uint64) error
	LoadRxSequence(sender uint16) (uint64, bool, error)
	SaveRxSequence(sender uint16, seq uint64) error
}

// DataSecure holds the per-group keys, per-sender keys, and
// replay-protection sequence tables needed to secure outgoing telegrams
// and authenticate incoming ones.
type DataSecure struct {
	mu sync.Mutex

	groupKeys      map[uint16][]byte
	individualKeys map[uint16][]byte

	txSequence uint64
	rxSequence map[uint16]uint64

	store Store
}

// New constructs a DataSecure keyring. now is injected for testability;
// production callers pass time.Now.
func New(now func() time.Time, groupKeys, individualKeys map[uint16][]byte, store Store) (*DataSecure, error) {
	ds := &DataSecure{
		groupKeys:      groupKeys,
		individualKeys: individualKeys,
		rxSequence:     make(map[uint16]uint64),
		store:          store,
	}

	if store != nil {
		if seq, ok, err := store.LoadTxSequence(); err != nil {
			return nil, fmt.Errorf("secure: loading persisted tx sequence: %w", err)
		} else if ok {
			ds.txSequence = seq
			return ds, nil
		}
	}
	ds.txSequence = uint64(now().Sub(initialSequenceEpoch).Milliseconds())
	return ds, nil
}

// GroupKey returns the Data Secure key for dst, or ErrNoKey if unconfigured.
func (ds *DataSecure) GroupKey(dst address.Group) ([]byte, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	key, ok := ds.groupKeys[dst.Raw()]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrNoKey, dst)
	}
	return key, nil
}

// IndividualKey returns the tool-access Data Secure key for a point-to-point
// peer, or ErrNoKey if unconfigured.
func (ds *DataSecure) IndividualKey(peer address.Individual) ([]byte, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	key, ok := ds.individualKeys[peer.Raw()]
	if !ok {
		return nil, fmt.Errorf("%w: individual %s", ErrNoKey, peer)
	}
	return key, nil
}

// NextTxSequence returns the next sequence number to use for a locally
// originated secure frame, incrementing and persisting the counter.
func (ds *DataSecure) NextTxSequence() (uint64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	seq := ds.txSequence
	ds.txSequence++
	if ds.store != nil {
		if err := ds.store.SaveTxSequence(ds.txSequence); err != nil {
			return 0, fmt.Errorf("secure: persisting tx sequence: %w", err)
		}
	}
	return seq, nil
}

// CheckRxSequence verifies seq is strictly greater than the last sequence
// number accepted from sender, without committing it — callers must call
// CommitRxSequence only after the frame's MAC has been verified, so a
// forged frame with a fresh sequence number cannot poison the table.
func (ds *DataSecure) CheckRxSequence(sender uint16, seq uint64) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	last, ok := ds.rxSequence[sender]
	if !ok && ds.store != nil {
		stored, found, err := ds.store.LoadRxSequence(sender)
		if err != nil {
			return fmt.Errorf("secure: loading persisted rx sequence: %w", err)
		}
		if found {
			last, ok = stored, true
			ds.rxSequence[sender] = stored
		}
	}
	if ok && seq <= last {
		return fmt.Errorf("%w: sender %#x sequence %d <= last %d", ErrReplay, sender, seq, last)
	}
	return nil
}

// CommitRxSequence records seq as the last accepted sequence number from
// sender. Call only after successful MAC verification.
func (ds *DataSecure) CommitRxSequence(sender uint16, seq uint64) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rxSequence[sender] = seq
	if ds.store != nil {
		if err := ds.store.SaveRxSequence(sender, seq); err != nil {
			return fmt.Errorf("secure: persisting rx sequence: %w", err)
		}
	}
	return nil
}
