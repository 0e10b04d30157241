package primitives

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// OutPoint identifies a transaction output (txid:vout). It mirrors
// wire.OutPoint but is the type carried through the domain layer so
// packages that never need wire types don't have to import btcd.
type OutPoint struct {
	TxID chainhash.Hash
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID.String(), o.Vout)
}

// ToWire converts to the btcd wire representation used when building PSBTs.
func (o OutPoint) ToWire() wire.OutPoint {
	return wire.OutPoint{Hash: o.TxID, Index: o.Vout}
}

// OutPointFromWire converts from the btcd wire representation.
func OutPointFromWire(w wire.OutPoint) OutPoint {
	return OutPoint{TxID: w.Hash, Vout: w.Index}
}

// ParseOutPoint parses the "txid:vout" format used in logs, config, and the
// outpoint primary key column.
func ParseOutPoint(s string) (OutPoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return OutPoint{}, fmt.Errorf("parse outpoint %q: missing \":\" separator", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return OutPoint{}, fmt.Errorf("parse outpoint %q: %w", s, err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OutPoint{}, fmt.Errorf("parse outpoint %q: %w", s, err)
	}
	return OutPoint{TxID: *hash, Vout: uint32(vout)}, nil
}
