package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/whalesync/scratch-cli-sub001/internal/cache"
)

var (
	recordsTake   int
	recordsCursor string
	recordsAll    bool
)

var recordsCmd = &cobra.Command{
	Use:   "records <workbook> <table>",
	Short: "List records of a table",
	Long: `List records of a table as JSON lines, reading through the record cache.

Examples:
  # First page
  scratch records wb1 tbl1

  # Every page
  scratch records wb1 tbl1 --all

  # Resume from a cursor
  scratch records wb1 tbl1 --cursor r42 --take 50`,
	Args: cobra.ExactArgs(2),
	RunE: runRecords,
}

func init() {
	recordsCmd.Flags().IntVar(&recordsTake, "take", 0, "page size (default cache.page_size)")
	recordsCmd.Flags().StringVar(&recordsCursor, "cursor", "", "start after this record id")
	recordsCmd.Flags().BoolVar(&recordsAll, "all", false, "follow cursors until the last page")
}

func runRecords(cmd *cobra.Command, args []string) error {
	a, err := loadApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	take := recordsTake
	if take <= 0 {
		take = a.cfg.Cache.PageSize
	}
	key := cache.Key{WorkbookID: args[0], TableID: args[1], Cursor: recordsCursor, Take: take}
	return listRecords(cmd.Context(), a, key, recordsAll, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// listRecords writes one JSON object per record to out. Without all, the next
// cursor (if any) is reported on errOut.
func listRecords(ctx context.Context, a *app, key cache.Key, all bool, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	enc := json.NewEncoder(out)
	for {
		page, err := a.cache.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		for _, r := range page.Records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		if !all {
			fmt.Fprintf(errOut, "next cursor: %s\n", page.NextCursor)
			return nil
		}
		key.Cursor = page.NextCursor
	}
}
