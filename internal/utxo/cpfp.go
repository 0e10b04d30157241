package utxo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// maxAncestryDepth bounds the BFS walk over trusted_origin_tx_input_tx_ids
// chains. The original Postgres recursive CTE has no depth limit because
// the planner terminates naturally when LATERAL UNNEST finds no more rows;
// here, a depth cap stands in for that termination guarantee and also
// protects against a cycle slipping in through bad data.
const maxAncestryDepth = 25

// CPFPCandidate is one edge in a trusted ancestry graph: a UTXO (either a
// genuine tip — unconfirmed, unspent, old enough to be worth bumping — or
// one of its ancestors discovered while walking trusted_origin_tx_input_tx_ids)
// together with one of the ancestor txids it trusts. A node with several
// trusted ancestors produces one CPFPCandidate per ancestor edge, all
// sharing the same Outpoint/OriginTxVBytes/OriginTxFeeSats.
type CPFPCandidate struct {
	UTXOHistoryTip  bool
	Outpoint        primitives.OutPoint
	KeychainID      primitives.KeychainID
	AncestorTxID    string
	OriginBatchID   *primitives.BatchID
	OriginTxVBytes  int64
	OriginTxFeeSats primitives.Satoshis
}

// CPFPAggregate is one genuine ancestry tip with its entire trusted chain
// of ancestors collapsed into a single additional-vbytes / included-fee
// total, per spec.md §4.2.2. Every ancestor node is credited to exactly
// one tip — ties go to whichever tip's walk reaches it first, i.e. the
// oldest tip, since FindCPFPCandidates seeds and walks tips in
// created_at ASC order.
type CPFPAggregate struct {
	Outpoint         primitives.OutPoint
	KeychainID       primitives.KeychainID
	AdditionalVBytes int64
	IncludedFeeSats  primitives.Satoshis
}

// FindCPFPCandidates walks the ancestry of unconfirmed outputs belonging to
// the given keychains, looking for outputs this wallet can CPFP: still
// unconfirmed, not already spend-detected, older than minAge, and whose
// origin transaction is an ancestor (by trusted txid, not full UTXO set
// membership) of some UTXO still sitting unspent in the wallet.
//
// original_source's equivalent (utxo/repo.rs find_cpfp_candidates) expresses
// this as a single recursive CTE: a Postgres-only primitive SQLite has no
// counterpart for. The substitute here runs a seed query for tip candidates
// — unconfirmed, unspent, trusting at least one ancestor txid — then walks
// each candidate's trusted_origin_tx_input_tx_ids in Go, looking up every
// ancestor txid against the same keychain set, until it finds one that is
// itself confirmed (a real root) or the depth cap is hit.
func (s *Store) FindCPFPCandidates(ctx context.Context, keychainIDs []primitives.KeychainID, minAge time.Duration, maxBlockHeight int64) ([]CPFPCandidate, error) {
	if len(keychainIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(keychainIDs)
	cutoff := time.Now().Add(-minAge).UTC().Format(time.RFC3339)
	args = append(args, cutoff, maxBlockHeight)

	query := fmt.Sprintf(`
		SELECT %s FROM utxos
		WHERE keychain_id IN (%s)
			AND bdk_spent = 0
			AND spend_detected_ledger_tx_id IS NULL
			AND utxo_settled_ledger_tx_id IS NULL
			AND created_at < ?
			AND block_height IS NULL
			AND (detection_block_height IS NULL OR detection_block_height < ?)
			AND trusted_origin_tx_input_tx_ids != '[]'
		ORDER BY created_at ASC`, utxoColumns, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find cpfp candidates: seed query: %w", err)
	}
	tips, err := scanUTXORows(rows)
	if err != nil {
		return nil, fmt.Errorf("find cpfp candidates: %w", err)
	}

	keychainSet := make(map[string]struct{}, len(keychainIDs))
	for _, k := range keychainIDs {
		keychainSet[k.String()] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []CPFPCandidate
	for _, tip := range tips {
		ancestors, err := s.walkAncestry(ctx, tip, keychainSet, 0, true)
		if err != nil {
			return nil, err
		}
		for _, c := range ancestors {
			key := c.Outpoint.String() + "/" + c.AncestorTxID
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

// AggregateCPFPCandidates implements the aggregation half of §4.2.2:
// collapsing the flat edge list FindCPFPCandidates returns into one
// CPFPAggregate per genuine ancestry tip, deduplicating shared ancestors
// across tips. It mirrors original_source's extract_cpfp_utxos
// (src/utxo/cpfp.rs): a single shared "consumed" set, walked tip-by-tip in
// the candidates' own order, ensures every ancestor is attributed once.
func AggregateCPFPCandidates(candidates []CPFPCandidate) []CPFPAggregate {
	type node struct {
		keychain  primitives.KeychainID
		vbytes    int64
		fee       primitives.Satoshis
		ancestors []string
		isTip     bool
	}

	nodes := make(map[primitives.OutPoint]*node)
	var order []primitives.OutPoint
	txidIndex := make(map[string][]primitives.OutPoint)

	for _, c := range candidates {
		n, ok := nodes[c.Outpoint]
		if !ok {
			n = &node{keychain: c.KeychainID, vbytes: c.OriginTxVBytes, fee: c.OriginTxFeeSats}
			nodes[c.Outpoint] = n
			order = append(order, c.Outpoint)
			txidIndex[c.Outpoint.TxID.String()] = append(txidIndex[c.Outpoint.TxID.String()], c.Outpoint)
		}
		if c.UTXOHistoryTip {
			n.isTip = true
		}
		n.ancestors = append(n.ancestors, c.AncestorTxID)
	}

	consumed := make(map[primitives.OutPoint]struct{})
	var out []CPFPAggregate
	for _, op := range order {
		n := nodes[op]
		if !n.isTip {
			continue
		}
		if _, done := consumed[op]; done {
			continue
		}
		consumed[op] = struct{}{}
		agg := CPFPAggregate{Outpoint: op, KeychainID: n.keychain, AdditionalVBytes: n.vbytes, IncludedFeeSats: n.fee}

		queue := append([]string{}, n.ancestors...)
		for len(queue) > 0 {
			txid := queue[0]
			queue = queue[1:]
			for _, candOp := range txidIndex[txid] {
				if _, done := consumed[candOp]; done {
					continue
				}
				consumed[candOp] = struct{}{}
				anc := nodes[candOp]
				agg.AdditionalVBytes += anc.vbytes
				agg.IncludedFeeSats += anc.fee
				queue = append(queue, anc.ancestors...)
			}
		}
		out = append(out, agg)
	}
	return out
}

func (s *Store) walkAncestry(ctx context.Context, tip UTXO, keychainSet map[string]struct{}, depth int, isTip bool) ([]CPFPCandidate, error) {
	if depth >= maxAncestryDepth {
		return nil, nil
	}

	var out []CPFPCandidate
	for _, ancestorTxID := range tip.TrustedOriginTxInputTxIDs {
		row := s.db.QueryRowContext(ctx, `
			SELECT batch_id FROM batch_spent_utxos WHERE txid = ? LIMIT 1`, ancestorTxID)
		var batchIDStr sql.NullString
		switch err := row.Scan(&batchIDStr); {
		case err == sql.ErrNoRows:
		case err != nil:
			return nil, fmt.Errorf("walk ancestry: lookup origin batch for %s: %w", ancestorTxID, err)
		}

		var originBatchID *primitives.BatchID
		if batchIDStr.Valid {
			b, err := primitives.ParseBatchID(batchIDStr.String)
			if err != nil {
				return nil, err
			}
			originBatchID = &b
		}

		out = append(out, CPFPCandidate{
			UTXOHistoryTip:  isTip,
			Outpoint:        tip.Outpoint,
			KeychainID:      tip.KeychainID,
			AncestorTxID:    ancestorTxID,
			OriginBatchID:   originBatchID,
			OriginTxVBytes:  tip.OriginTxVBytes,
			OriginTxFeeSats: tip.OriginTxFeeSats,
		})

		deeperRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM utxos WHERE txid = ? AND block_height IS NULL`, utxoColumns), ancestorTxID)
		if err != nil {
			return nil, fmt.Errorf("walk ancestry: load ancestor rows for %s: %w", ancestorTxID, err)
		}
		deeper, err := scanUTXORows(deeperRows)
		if err != nil {
			return nil, err
		}
		for _, d := range deeper {
			if _, ok := keychainSet[d.KeychainID.String()]; !ok {
				continue
			}
			nested, err := s.walkAncestry(ctx, d, keychainSet, depth+1, false)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// marshalAncestors is used by callers constructing a UTXO to persist; kept
// here alongside the ancestry walk it feeds.
func marshalAncestors(ids []string) (string, error) {
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ancestor ids: %w", err)
	}
	return string(b), nil
}
