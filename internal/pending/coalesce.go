package pending

import "github.com/whalesync/scratch-cli-sub001/internal/records"

// batch is the coalesced work for one table.
type batch struct {
	table
	ops []records.Operation
	// seqs lists every entry folded into ops, including dropped ones.
	seqs []uint64
}

// coalesce reduces entries to at most one operation per record and groups the
// result by table. It returns the batches in first-appearance order and the number
// of operations folded away.
func coalesce(entries []entry) ([]batch, int) {
	var batches []batch
	byTable := make(map[table]int)
	byRecord := make(map[table]map[string]int)
	folded := 0

	for _, e := range entries {
		t := e.change.table()
		bi, ok := byTable[t]
		if !ok {
			bi = len(batches)
			byTable[t] = bi
			byRecord[t] = make(map[string]int)
			batches = append(batches, batch{table: t})
		}
		b := &batches[bi]
		b.seqs = append(b.seqs, e.seq)

		op := e.change.Op
		oi, seen := byRecord[t][op.RecordID]
		if !seen {
			byRecord[t][op.RecordID] = len(b.ops)
			b.ops = append(b.ops, op)
			continue
		}

		folded++
		prev := b.ops[oi]
		switch {
		case op.Op == records.OpDelete || op.Op == records.OpUndelete:
			b.ops[oi] = op
		case prev.Op == records.OpDelete:
			// Deletion wins over later edits.
		default:
			b.ops[oi] = prev.WithData(op.Data)
		}
	}

	return batches, folded
}
