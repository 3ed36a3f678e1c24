package records

import "time"

// Project returns the optimistic view of page after applying ops at time now.
//
// Operations for records that are not on the page are skipped: the record may have
// scrolled out of the cached page or been removed on the server. Every touched
// record is cloned before modification; untouched records are shared with the input.
// Create operations are ignored because they carry no record id to match.
func Project(page *Page, ops []Operation, now time.Time) *Page {
	if page == nil {
		return nil
	}

	index := make(map[string]int, len(page.Records))
	for i, r := range page.Records {
		index[r.ID] = i
	}

	out := &Page{
		Records:    make([]Record, len(page.Records)),
		NextCursor: page.NextCursor,
	}
	copy(out.Records, page.Records)

	cloned := make(map[int]bool)
	for _, op := range ops {
		i, ok := index[op.RecordID]
		if !ok || op.RecordID == "" {
			continue
		}
		if !cloned[i] {
			out.Records[i] = out.Records[i].Clone()
			cloned[i] = true
		}
		rec := &out.Records[i]

		switch op.Op {
		case OpUpdate:
			for name, value := range op.Data {
				rec.Fields[name] = value
				rec.EditedFields[name] = now
			}
		case OpDelete:
			rec.EditedFields[DeletedKey] = now
		case OpUndelete:
			delete(rec.EditedFields, DeletedKey)
			// Coalescing folds later updates into an undelete.
			for name, value := range op.Data {
				rec.Fields[name] = value
				rec.EditedFields[name] = now
			}
		}
	}

	return out
}
