package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Ahmad87Homs/DataBaseManager/core/write_engine/memtable"
	pagemanager "github.com/Ahmad87Homs/DataBaseManager/core/write_engine/page_manager"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
)

// errQuit ends the interactive loop.
var errQuit = errors.New("quit")

type heldKey struct {
	table  string
	pageID pagemanager.PageID
}

// shell runs CLI commands against an open buffer pool. Pages pinned with
// "pin" stay pinned until "unpin" or until the shell is closed.
type shell struct {
	pool *memtable.BufferPool
	out  io.Writer
	held map[heldKey][]*memtable.PageHandle
}

func newShell(pool *memtable.BufferPool, out io.Writer) *shell {
	return &shell{pool: pool, out: out, held: make(map[heldKey][]*memtable.PageHandle)}
}

func parsePageID(s string) (pagemanager.PageID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid page id %q", s)
	}
	return pagemanager.PageID(v), nil
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

// processCommand handles a single command, either from args or interactive mode.
func (s *shell) processCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("no command provided")
	}

	switch strings.ToLower(args[0]) {
	case "tables":
		for _, name := range s.pool.Tables() {
			s.printf("%s\n", name)
		}
		return nil
	case "fetch":
		if len(args) < 3 {
			return errors.New("fetch requires <table> <page>")
		}
		return s.fetch(args[1], args[2])
	case "pin":
		if len(args) < 3 {
			return errors.New("pin requires <table> <page>")
		}
		return s.pin(args[1], args[2])
	case "unpin":
		if len(args) < 3 {
			return errors.New("unpin requires <table> <page> [dirty]")
		}
		dirty := len(args) > 3 && strings.EqualFold(args[3], "dirty")
		return s.unpin(args[1], args[2], dirty)
	case "append":
		if len(args) < 4 {
			return errors.New("append requires <table> <page> <text>")
		}
		return s.appendRecord(args[1], args[2], strings.Join(args[3:], " "))
	case "read":
		if len(args) < 4 {
			return errors.New("read requires <table> <page> <slot>")
		}
		return s.read(args[1], args[2], args[3])
	case "flush":
		if len(args) < 3 {
			return errors.New("flush requires <table> <page>")
		}
		id, err := parsePageID(args[2])
		if err != nil {
			return err
		}
		return s.pool.FlushPage(args[1], id)
	case "flushall":
		return s.pool.FlushAll()
	case "write":
		if len(args) < 3 {
			return errors.New("write requires <table> <page>")
		}
		id, err := parsePageID(args[2])
		if err != nil {
			return err
		}
		return s.pool.WritePage(args[1], id)
	case "stats":
		tables := s.pool.Tables()
		if len(args) > 1 {
			tables = args[1:]
		}
		return s.stats(tables)
	case "snapshot":
		if len(args) < 3 {
			return errors.New("snapshot requires <table> <dst> [rate, e.g. 4MB]")
		}
		rate := ""
		if len(args) > 3 {
			rate = args[3]
		}
		return s.snapshot(args[1], args[2], rate)
	case "bench":
		if len(args) < 3 {
			return errors.New("bench requires <table> <pages>")
		}
		return s.bench(args[1], args[2])
	case "help":
		s.printf("Commands:\n")
		s.printf("  tables\n")
		s.printf("  fetch <table> <page>\n")
		s.printf("  pin <table> <page>\n")
		s.printf("  unpin <table> <page> [dirty]\n")
		s.printf("  append <table> <page> <text>\n")
		s.printf("  read <table> <page> <slot>\n")
		s.printf("  flush <table> <page>\n")
		s.printf("  flushall\n")
		s.printf("  write <table> <page>\n")
		s.printf("  stats [table...]\n")
		s.printf("  snapshot <table> <dst> [rate]\n")
		s.printf("  bench <table> <pages>\n")
		s.printf("  help\n")
		s.printf("  exit / quit\n")
		return nil
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

func (s *shell) fetch(table, page string) error {
	id, err := parsePageID(page)
	if err != nil {
		return err
	}
	h, err := s.pool.FetchPage(table, id)
	if err != nil {
		return err
	}
	defer h.Release()

	h.RLock()
	p := h.Page()
	s.printf("page %d (%s): rows=%d free=%s\n", p.GetPageID(), p.GetPageType(), p.GetRowCount(), humanize.IBytes(uint64(p.FreeSpace())))
	h.RUnlock()
	return nil
}

func (s *shell) pin(table, page string) error {
	id, err := parsePageID(page)
	if err != nil {
		return err
	}
	h, err := s.pool.FetchPage(table, id)
	if err != nil {
		return err
	}
	key := heldKey{table: table, pageID: id}
	s.held[key] = append(s.held[key], h)
	s.printf("pinned %s/%d (held by shell: %d)\n", table, id, len(s.held[key]))
	return nil
}

func (s *shell) unpin(table, page string, dirty bool) error {
	id, err := parsePageID(page)
	if err != nil {
		return err
	}
	key := heldKey{table: table, pageID: id}
	handles := s.held[key]
	if len(handles) == 0 {
		return s.pool.UnpinPage(table, id, dirty)
	}
	h := handles[len(handles)-1]
	if len(handles) == 1 {
		delete(s.held, key)
	} else {
		s.held[key] = handles[:len(handles)-1]
	}
	if dirty {
		h.MarkDirty()
	}
	return h.Release()
}

func (s *shell) appendRecord(table, page, text string) error {
	id, err := parsePageID(page)
	if err != nil {
		return err
	}
	h, err := s.pool.FetchPage(table, id)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Lock()
	slot, err := h.Page().AppendRecord([]byte(text))
	h.Unlock()
	if err != nil {
		return err
	}
	h.MarkDirty()
	s.printf("appended %s to %s/%d slot %d\n", humanize.IBytes(uint64(len(text))), table, id, slot)
	return nil
}

func (s *shell) read(table, page, slotArg string) error {
	id, err := parsePageID(page)
	if err != nil {
		return err
	}
	slot, err := strconv.ParseUint(slotArg, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid slot %q", slotArg)
	}
	h, err := s.pool.FetchPage(table, id)
	if err != nil {
		return err
	}
	defer h.Release()

	h.RLock()
	rec, err := h.Page().ReadRecord(uint16(slot))
	h.RUnlock()
	if err != nil {
		return err
	}
	s.printf("%q\n", rec)
	return nil
}

func (s *shell) stats(tables []string) error {
	for _, name := range tables {
		st, err := s.pool.Stats(name)
		if err != nil {
			return err
		}
		s.printf("%s: %d/%d frames (%s) pinned=%d dirty=%d hits=%s misses=%s hit_rate=%.1f%% evictions=%s flushes=%s exhausted=%s\n",
			st.Table, st.ResidentPages, st.Capacity,
			humanize.IBytes(uint64(st.ResidentPages)*pagemanager.PageSize),
			st.PinnedPages, st.DirtyPages,
			humanize.Comma(int64(st.Hits)), humanize.Comma(int64(st.Misses)), st.HitRate()*100,
			humanize.Comma(int64(st.Evictions)), humanize.Comma(int64(st.Flushes)), humanize.Comma(int64(st.Exhausted)))
	}
	return nil
}

func (s *shell) snapshot(table, dst, rateArg string) error {
	var rate int64
	if rateArg != "" {
		v, err := humanize.ParseBytes(rateArg)
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", rateArg, err)
		}
		rate = int64(v)
	}
	start := time.Now()
	n, err := s.pool.Snapshot(context.Background(), table, dst, rate)
	if err != nil {
		return err
	}
	s.printf("copied %s to %s in %s\n", humanize.IBytes(uint64(n)), dst, time.Since(start).Round(time.Microsecond))
	return nil
}

// bench fetches pages 0..n-1 twice. The first pass reads from disk, the
// second is served from the pool when n fits in it.
func (s *shell) bench(table, countArg string) error {
	n, err := strconv.Atoi(countArg)
	if err != nil || n < 1 {
		return fmt.Errorf("invalid page count %q", countArg)
	}
	pass := func() (time.Duration, error) {
		start := time.Now()
		for i := 0; i < n; i++ {
			h, err := s.pool.FetchPage(table, pagemanager.PageID(i))
			if err != nil {
				return 0, err
			}
			if err := h.Release(); err != nil {
				return 0, err
			}
		}
		return time.Since(start), nil
	}

	cold, err := pass()
	if err != nil {
		return err
	}
	warm, err := pass()
	if err != nil {
		return err
	}
	s.printf("Time taken to fetch %s pages: %s (cold), %s (warm)\n", humanize.Comma(int64(n)), cold, warm)
	return nil
}

// close releases every handle the shell still holds.
func (s *shell) close() error {
	var errs error
	for key, handles := range s.held {
		for _, h := range handles {
			errs = multierr.Append(errs, h.Release())
		}
		delete(s.held, key)
	}
	return errs
}
