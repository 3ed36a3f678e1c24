package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whalesync/scratch-cli-sub001/internal/pending"
)

// maxLineSize bounds a single JSON-lines change.
const maxLineSize = 1 << 20

// ErrChangesRemain is returned when a push leaves changes queued.
var ErrChangesRemain = errors.New("changes remain queued")

var pushCmd = &cobra.Command{
	Use:   "push [file]",
	Short: "Save a file of record changes",
	Long: `Read record changes as JSON lines, queue them in an edit buffer and save
them in one flush.

Each line is one change:

  {"workbookId":"wb1","tableId":"tbl1","op":{"op":"update","wsId":"r1","data":{"name":"Ada"}}}

Creates are not buffered and are rejected. The command exits non-zero when
any change could not be saved.

Examples:
  # Push a file
  scratch push changes.jsonl

  # Push from stdin
  cat changes.jsonl | scratch push -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	in, closeIn, err := openInput(args)
	if err != nil {
		return err
	}
	defer closeIn()

	a, err := loadApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	return pushChanges(cmd.Context(), a, in, cmd.OutOrStdout())
}

func openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	return f, func() { _ = f.Close() }, nil
}

// pushChanges queues every change of r, flushes once and reports the outcome.
func pushChanges(ctx context.Context, a *app, r io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	changes, err := readChanges(r)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return fmt.Errorf("no changes to push")
	}

	a.buffer.AddPendingChange(changes...)
	a.buffer.SavePendingChanges(ctx)

	for _, n := range a.notes.Notifications() {
		fmt.Fprintf(out, "%s: %s: %s\n", n.Level, n.Title, n.Message)
	}

	remaining := a.buffer.Len()
	fmt.Fprintf(out, "%d change(s) read, %d pending\n", len(changes), remaining)
	if remaining > 0 {
		return fmt.Errorf("%w: %d", ErrChangesRemain, remaining)
	}
	return nil
}

// readChanges decodes JSON lines into changes. Blank lines are skipped; a
// malformed or unbufferable change fails the whole read.
func readChanges(r io.Reader) ([]pending.Change, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var changes []pending.Change
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		c, err := parseChange([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		changes = append(changes, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return changes, nil
}

func parseChange(data []byte) (pending.Change, error) {
	var c pending.Change
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid change: %w", err)
	}
	if c.WorkbookID == "" || c.TableID == "" {
		return c, errors.New("workbookId and tableId are required")
	}
	if !c.Op.Enqueueable() {
		return c, fmt.Errorf("operation %q cannot be buffered", c.Op.Op)
	}
	if err := c.Op.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
