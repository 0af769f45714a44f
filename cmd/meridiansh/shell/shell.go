// Package shell implements the meridiansh command loop over an in-memory
// MeridianDB account: collection management, document loading, partition
// splits on demand and paged cross-partition queries.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/meridiandb/meridian-go/internal/backend"
	"github.com/meridiandb/meridian-go/internal/logger"
	"github.com/meridiandb/meridian-go/internal/routing"
	"github.com/meridiandb/meridian-go/pkg/client"
)

const helpText = `Commands:
  .create <rid> <pkField> <ranges>   create a collection
  .use <rid>                         select the active collection
  .insert <json>                     insert one document
  .load <file>                       insert a JSON array of documents
  .ranges                            list active partition key ranges
  .split <rangeID>                   split a partition key range
  .fail <rangeID> <n> <status> [sub] fail the next n requests to a range
  .page <n>                          set the feed page size
  .continue                          fetch the next page of the last query
  .help                              this text
  .exit                              leave the shell
Any other input is executed as a SQL query against the active collection.`

// Shell holds the in-memory account and the paging state of the last query.
type Shell struct {
	mem *backend.Memory
	cli *client.Client

	col      string
	pageSize int

	lastQuery string
	lastCont  string
}

func New(logLevel string) *Shell {
	log := logger.New(logger.Config{Level: logLevel, Format: "text"}, os.Stderr)
	mem := backend.NewMemory(log)
	cli, err := client.New(client.Options{
		Executor: mem,
		Routing:  mem,
		Logger:   log,
	})
	if err != nil {
		// Only possible with nil collaborators.
		panic(err)
	}
	return &Shell{mem: mem, cli: cli, pageSize: 10}
}

// Execute runs one input line and returns the output plus an exit flag.
func (s *Shell) Execute(ctx context.Context, input string) (string, bool) {
	if !strings.HasPrefix(input, ".") {
		return s.runQuery(ctx, input, ""), false
	}
	fields := strings.Fields(input)
	switch fields[0] {
	case ".help":
		return helpText, false
	case ".exit", ".quit":
		return "bye", true
	case ".create":
		return s.create(fields[1:]), false
	case ".use":
		if len(fields) != 2 {
			return "usage: .use <rid>", false
		}
		s.col = fields[1]
		return "using " + s.col, false
	case ".insert":
		return s.insert(strings.TrimSpace(strings.TrimPrefix(input, ".insert"))), false
	case ".load":
		if len(fields) != 2 {
			return "usage: .load <file>", false
		}
		return s.load(fields[1]), false
	case ".ranges":
		return s.listRanges(ctx), false
	case ".split":
		if len(fields) != 2 {
			return "usage: .split <rangeID>", false
		}
		if err := s.mem.Split(s.col, fields[1]); err != nil {
			return "ERROR: " + err.Error(), false
		}
		return "split " + fields[1], false
	case ".fail":
		return s.fail(fields[1:]), false
	case ".page":
		if len(fields) != 2 {
			return "usage: .page <n>", false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return "page size must be a positive integer", false
		}
		s.pageSize = n
		return fmt.Sprintf("page size %d", n), false
	case ".continue":
		if s.lastCont == "" {
			return "no continuation; run a query first", false
		}
		return s.runQuery(ctx, s.lastQuery, s.lastCont), false
	default:
		return "unknown command " + fields[0] + "; try .help", false
	}
}

func (s *Shell) create(args []string) string {
	if len(args) != 3 {
		return "usage: .create <rid> <pkField> <ranges>"
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n < 1 {
		return "ranges must be a positive integer"
	}
	if err := s.mem.CreateCollection(args[0], args[1], n); err != nil {
		return "ERROR: " + err.Error()
	}
	s.col = args[0]
	return fmt.Sprintf("created %s (pk %s, %d ranges); now active", args[0], args[1], n)
}

func (s *Shell) insert(raw string) string {
	if s.col == "" {
		return "no active collection; .create or .use first"
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "ERROR: " + err.Error()
	}
	rid, err := s.mem.Insert(s.col, doc)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return "inserted " + rid
}

func (s *Shell) load(path string) string {
	if s.col == "" {
		return "no active collection; .create or .use first"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	var docs []map[string]interface{}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return "ERROR: " + err.Error()
	}
	for _, doc := range docs {
		if _, err := s.mem.Insert(s.col, doc); err != nil {
			return "ERROR: " + err.Error()
		}
	}
	return fmt.Sprintf("loaded %d documents", len(docs))
}

func (s *Shell) listRanges(ctx context.Context) string {
	if s.col == "" {
		return "no active collection"
	}
	ranges, err := s.mem.ResolveRanges(ctx, s.col, routing.FullRange())
	if err != nil {
		return "ERROR: " + err.Error()
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].MinInclusive < ranges[j].MinInclusive })
	var b strings.Builder
	for _, r := range ranges {
		min := r.MinInclusive
		if min == "" {
			min = "(min)"
		}
		fmt.Fprintf(&b, "%-4s [%s, %s)\n", r.ID, min, r.MaxExclusive)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Shell) fail(args []string) string {
	if len(args) < 3 || len(args) > 4 {
		return "usage: .fail <rangeID> <n> <status> [subStatus]"
	}
	n, err1 := strconv.Atoi(args[1])
	status, err2 := strconv.Atoi(args[2])
	sub := 0
	var err3 error
	if len(args) == 4 {
		sub, err3 = strconv.Atoi(args[3])
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return "numeric arguments required"
	}
	s.mem.FailNext(args[0], n, status, sub)
	return fmt.Sprintf("next %d requests to %s fail with %d/%d", n, args[0], status, sub)
}

func (s *Shell) runQuery(ctx context.Context, text, cont string) string {
	if s.col == "" {
		return "no active collection; .create or .use first"
	}
	feed, err := s.cli.ExecuteQuery(ctx, s.col, client.SQLQuery{Text: text}, &client.FeedOptions{
		MaxItemCount:              s.pageSize,
		RequestContinuation:       cont,
		EnableCrossPartitionQuery: true,
	})
	if err != nil {
		return "ERROR: " + err.Error()
	}
	defer feed.Close()

	resp, err := feed.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.lastCont = ""
		return "(no results)"
	}
	if err != nil {
		s.lastCont = ""
		return "ERROR: " + err.Error()
	}

	var b strings.Builder
	for _, item := range resp.Items {
		var compact bytes.Buffer
		if err := json.Compact(&compact, item); err == nil {
			b.Write(compact.Bytes())
		} else {
			b.Write(item)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "-- %d items, charge %.2f, activity %s", len(resp.Items), resp.RequestCharge, resp.ActivityID)
	if resp.Continuation != "" {
		s.lastQuery = text
		s.lastCont = resp.Continuation
		b.WriteString("\n-- more available: .continue")
	} else {
		s.lastCont = ""
	}
	return b.String()
}
