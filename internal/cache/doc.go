// Package cache provides the read-through record cache shared by the grid and the
// edit buffer.
//
// Entries are record pages addressed by a composite Key. One table is usually cached
// under several page keys at once, so bulk operations take a Matcher instead of a
// single key:
//
//	c, err := cache.New(client, 256, logger)
//	page, err := c.Get(ctx, cache.Key{WorkbookID: "wb", TableID: "tbl", Take: 100})
//
//	// Optimistic write, no refetch.
//	c.Mutate(cache.TableMatcher("wb", "tbl"), func(p *records.Page) *records.Page {
//	    return records.Project(p, ops, time.Now())
//	})
//
//	// Forced refetch of every page of the table.
//	n, err := c.RevalidateMatching(ctx, cache.TableMatcher("wb", "tbl"))
//
// Concurrent misses for the same key share one fetch. Forced revalidation never
// shares a fetch, and a read-through fetch that started before a revalidation does
// not overwrite the revalidated value.
package cache
