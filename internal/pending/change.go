package pending

import "github.com/whalesync/scratch-cli-sub001/internal/records"

// Change is one user edit awaiting persistence.
type Change struct {
	WorkbookID string            `json:"workbookId"`
	TableID    string            `json:"tableId"`
	Op         records.Operation `json:"op"`
}

// table identifies the unit of batching.
type table struct {
	workbookID string
	tableID    string
}

func (c Change) table() table {
	return table{workbookID: c.WorkbookID, tableID: c.TableID}
}

// entry is a queued change. seq is unique per buffer and is the identity used to
// remove flushed entries; equal changes queued twice are distinct entries.
type entry struct {
	seq    uint64
	change Change
}

// groupOps splits changes by table, keeping first-appearance order of tables and
// arrival order of operations within a table.
func groupOps(changes []Change) ([]table, map[table][]records.Operation) {
	var order []table
	ops := make(map[table][]records.Operation)
	for _, c := range changes {
		t := c.table()
		if _, ok := ops[t]; !ok {
			order = append(order, t)
		}
		ops[t] = append(ops[t], c.Op)
	}
	return order, ops
}
