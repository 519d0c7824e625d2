package delta

import (
	"github.com/hyperengineering/lakesync/internal/errs"
)

// beats reports whether a wins over b: higher HLC, with the
// lexicographically greater clientId breaking ties.
func beats(a, b Delta) bool {
	if a.HLC != b.HLC {
		return a.HLC > b.HLC
	}
	return a.ClientID > b.ClientID
}

// PickWinner chooses between two deltas for the same row: higher HLC
// wins, and on an HLC tie the lexicographically greater clientId wins.
// The choice depends only on the pair, never the argument order.
func PickWinner(a, b Delta) Delta {
	if beats(a, b) {
		return a
	}
	return b
}

// Resolve merges two deltas for the same row into one surviving delta.
//
// A winning tombstone erases the row (columns dropped); a losing
// tombstone is overridden by the newer write (resurrection). When
// neither side is a DELETE the columns merge cell-wise, each contested
// cell taken from the winning side. The merged op is INSERT only when
// both sides were INSERTs. Identity fields (clientId, hlc, deltaId)
// always come from the winner.
func Resolve(local, remote Delta) (Delta, error) {
	if local.Table != remote.Table || local.RowID != remote.RowID {
		return Delta{}, errs.Newf(errs.KindConflict,
			"mismatched table/rowId: (%s,%s) vs (%s,%s)",
			local.Table, local.RowID, remote.Table, remote.RowID)
	}

	winner, loser := remote, local
	if beats(local, remote) {
		winner, loser = local, remote
	}

	// Tombstone wins: the row stays deleted no matter what the loser
	// carried.
	if winner.Op == OpDelete {
		merged := winner
		merged.Columns = nil
		return merged, nil
	}

	// Resurrection: a newer write overrides an older tombstone whole.
	if loser.Op == OpDelete {
		return winner, nil
	}

	merged := winner
	merged.Columns = mergeColumns(winner.Columns, loser.Columns)
	if local.Op == OpInsert && remote.Op == OpInsert {
		merged.Op = OpInsert
	} else {
		merged.Op = OpUpdate
	}
	return merged, nil
}

// mergeColumns unions two column sets, keeping the winner's value for
// any column present on both sides. Winner columns keep their order;
// loser-only columns follow in theirs.
func mergeColumns(winning, losing []Column) []Column {
	seen := make(map[string]struct{}, len(winning))
	merged := make([]Column, 0, len(winning)+len(losing))
	for _, c := range winning {
		seen[c.Name] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range losing {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		merged = append(merged, c)
	}
	return merged
}
