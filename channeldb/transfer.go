package channeldb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Message type tags for the wire encoding fixed by spec.md §6.
const (
	tagDirectTransfer uint8 = iota + 1
	tagLockedTransfer
	tagMediatedTransfer
	tagRefundTransfer
	tagTransferTimeout
)

// Header carries the fields common to every transfer variant except
// TransferTimeout. Sender is populated upstream of this package once the
// signature over the transfer's canonical bytes has been recovered and
// verified — it is never part of the wire encoding itself.
type Header struct {
	Nonce             uint64
	Asset             Address
	Sender            Address
	Recipient         Address
	TransferredAmount Amount
	Locksroot         Hash32
}

// TransferHeader implements Transfer.
func (h Header) TransferHeader() Header { return h }

// Transfer is the common interface satisfied by every registrable transfer
// variant: DirectTransfer, LockedTransfer, MediatedTransfer, and
// RefundTransfer. TransferTimeout carries no such header and is handled
// separately, since it acknowledges a prior transfer rather than moving
// balance.
type Transfer interface {
	TransferHeader() Header
}

// DirectTransfer moves transferred_amount without creating a new lock. If
// Secret is non-nil, registering this transfer also claims the lock whose
// hashlock is H(*Secret) on the receiving end, per spec.md §4.4 step
// "DirectTransfer with secret set".
type DirectTransfer struct {
	Header
	Secret *[32]byte
}

// LockedTransfer commits Lock into the receiver's LockSet without moving
// transferred_amount; the balance moves only once the lock is later
// claimed by secret reveal.
type LockedTransfer struct {
	Header
	Lock Lock
}

// MediatedTransfer is a LockedTransfer carrying the routing fields needed
// by a multi-hop payment; this engine treats it identically to a
// LockedTransfer for channel-state purposes (routing/fee computation is
// out of scope, spec.md §1).
type MediatedTransfer struct {
	LockedTransfer
	Initiator Address
	Target    Address
	Fee       Amount
}

// RefundTransfer mirrors a LockedTransfer's lock back to its sender when a
// mediated payment cannot be forwarded further.
type RefundTransfer struct {
	LockedTransfer
}

// TransferTimeout notifies a counterparty that a previously sent transfer
// has timed out. It carries no balance-affecting header and is never
// passed to Channel.RegisterTransfer.
type TransferTimeout struct {
	TransferHash Hash32
	Hashlock     Hash32
}

func encodeHeader(w io.Writer, h Header) error {
	var scratch [8]byte
	putUint64BE(scratch[:], h.Nonce)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.Asset[:]); err != nil {
		return err
	}
	amt := h.TransferredAmount.Bytes32()
	if _, err := w.Write(amt[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.Recipient[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.Locksroot[:]); err != nil {
		return err
	}
	return nil
}

func decodeHeader(r io.Reader) (Header, error) {
	var h Header

	var scratch [32]byte
	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return h, err
	}
	h.Nonce = beUint64(scratch[:8])

	if _, err := io.ReadFull(r, h.Asset[:]); err != nil {
		return h, err
	}

	if _, err := io.ReadFull(r, scratch[:32]); err != nil {
		return h, err
	}
	var amt [32]byte
	copy(amt[:], scratch[:32])
	h.TransferredAmount = amountFromBytes32(amt)

	if _, err := io.ReadFull(r, h.Recipient[:]); err != nil {
		return h, err
	}

	if _, err := io.ReadFull(r, h.Locksroot[:]); err != nil {
		return h, err
	}

	return h, nil
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func encodeLock(w io.Writer, l Lock) error {
	_, err := w.Write(l.Bytes())
	return err
}

func decodeLock(r io.Reader) (Lock, error) {
	var buf [72]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Lock{}, err
	}
	var l Lock
	var amt [32]byte
	copy(amt[:], buf[0:32])
	l.Amount = amountFromBytes32(amt)
	l.Expiration = BlockNumber(beUint64(buf[32:40]))
	copy(l.Hashlock[:], buf[40:72])
	return l, nil
}

// Encode writes the canonical wire encoding of t.
func Encode(w io.Writer, t interface{}) error {
	switch v := t.(type) {
	case DirectTransfer:
		if _, err := w.Write([]byte{tagDirectTransfer}); err != nil {
			return err
		}
		if err := encodeHeader(w, v.Header); err != nil {
			return err
		}
		var secretBytes []byte
		if v.Secret != nil {
			secretBytes = v.Secret[:]
		}
		return wire.WriteVarBytes(w, 0, secretBytes)

	case LockedTransfer:
		if _, err := w.Write([]byte{tagLockedTransfer}); err != nil {
			return err
		}
		if err := encodeHeader(w, v.Header); err != nil {
			return err
		}
		return encodeLock(w, v.Lock)

	case MediatedTransfer:
		if _, err := w.Write([]byte{tagMediatedTransfer}); err != nil {
			return err
		}
		if err := encodeHeader(w, v.Header); err != nil {
			return err
		}
		if err := encodeLock(w, v.Lock); err != nil {
			return err
		}
		if _, err := w.Write(v.Initiator[:]); err != nil {
			return err
		}
		if _, err := w.Write(v.Target[:]); err != nil {
			return err
		}
		fee := v.Fee.Bytes32()
		_, err := w.Write(fee[:])
		return err

	case RefundTransfer:
		if _, err := w.Write([]byte{tagRefundTransfer}); err != nil {
			return err
		}
		if err := encodeHeader(w, v.Header); err != nil {
			return err
		}
		return encodeLock(w, v.Lock)

	case TransferTimeout:
		if _, err := w.Write([]byte{tagTransferTimeout}); err != nil {
			return err
		}
		if _, err := w.Write(v.TransferHash[:]); err != nil {
			return err
		}
		_, err := w.Write(v.Hashlock[:])
		return err

	default:
		return fmt.Errorf("channeldb: unknown transfer type %T", t)
	}
}

// Decode reads a message previously written by Encode. The returned value
// is one of DirectTransfer, LockedTransfer, MediatedTransfer,
// RefundTransfer, or TransferTimeout.
func Decode(r io.Reader) (interface{}, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	switch tag[0] {
	case tagDirectTransfer:
		h, err := decodeHeader(r)
		if err != nil {
			return nil, err
		}
		secretBytes, err := wire.ReadVarBytes(r, 0, 32, "secret")
		if err != nil {
			return nil, err
		}
		dt := DirectTransfer{Header: h}
		if len(secretBytes) == 32 {
			var s [32]byte
			copy(s[:], secretBytes)
			dt.Secret = &s
		}
		return dt, nil

	case tagLockedTransfer:
		h, err := decodeHeader(r)
		if err != nil {
			return nil, err
		}
		lock, err := decodeLock(r)
		if err != nil {
			return nil, err
		}
		return LockedTransfer{Header: h, Lock: lock}, nil

	case tagMediatedTransfer:
		h, err := decodeHeader(r)
		if err != nil {
			return nil, err
		}
		lock, err := decodeLock(r)
		if err != nil {
			return nil, err
		}
		mt := MediatedTransfer{LockedTransfer: LockedTransfer{Header: h, Lock: lock}}
		if _, err := io.ReadFull(r, mt.Initiator[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, mt.Target[:]); err != nil {
			return nil, err
		}
		var feeBytes [32]byte
		if _, err := io.ReadFull(r, feeBytes[:]); err != nil {
			return nil, err
		}
		mt.Fee = amountFromBytes32(feeBytes)
		return mt, nil

	case tagRefundTransfer:
		h, err := decodeHeader(r)
		if err != nil {
			return nil, err
		}
		lock, err := decodeLock(r)
		if err != nil {
			return nil, err
		}
		return RefundTransfer{LockedTransfer: LockedTransfer{Header: h, Lock: lock}}, nil

	case tagTransferTimeout:
		var tt TransferTimeout
		if _, err := io.ReadFull(r, tt.TransferHash[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, tt.Hashlock[:]); err != nil {
			return nil, err
		}
		return tt, nil

	default:
		return nil, fmt.Errorf("channeldb: unknown transfer tag %d", tag[0])
	}
}

// EncodeToBytes is a convenience wrapper around Encode for callers (tests,
// signature construction) that want the canonical byte form directly.
func EncodeToBytes(t interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := Encode(&b, t); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
