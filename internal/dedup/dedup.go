package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Ledger remembers probe ids issued within a rolling window so a freshly
// generated id is never reused while an earlier probe carrying it could
// still be in flight. With a file path, claims survive restarts.
type Ledger struct {
	mu     sync.Mutex
	ids    map[string]time.Time
	file   string
	window time.Duration
}

// NewLedger loads (or creates) a ledger. An empty filePath keeps the ledger
// in memory only. Each line of the file is "<id>\t<unix seconds>".
func NewLedger(filePath string, window time.Duration) (*Ledger, error) {
	l := &Ledger{
		ids:    make(map[string]time.Time),
		file:   filePath,
		window: window,
	}
	if filePath == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id, ts, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "\t")
		if !ok || id == "" {
			continue
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		l.ids[id] = time.Unix(sec, 0)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}

	return l, nil
}

// Claim records id as issued at now. It returns false if id was already
// claimed within the window, in which case the caller must pick another.
func (l *Ledger) Claim(id string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := l.prune(now)
	if at, exists := l.ids[id]; exists && now.Sub(at) < l.window {
		return false, nil
	}
	l.ids[id] = now

	if l.file == "" {
		return true, nil
	}
	if pruned {
		return true, l.rewrite()
	}

	f, err := os.OpenFile(l.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return true, fmt.Errorf("open ledger file for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s\t%d\n", id, now.Unix()); err != nil {
		return true, fmt.Errorf("write ledger entry: %w", err)
	}
	return true, nil
}

// Count returns the number of tracked ids.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

func (l *Ledger) prune(now time.Time) bool {
	pruned := false
	for id, at := range l.ids {
		if now.Sub(at) >= l.window {
			delete(l.ids, id)
			pruned = true
		}
	}
	return pruned
}

// rewrite replaces the ledger file with the live entries.
func (l *Ledger) rewrite() error {
	var sb strings.Builder
	for id, at := range l.ids {
		fmt.Fprintf(&sb, "%s\t%d\n", id, at.Unix())
	}
	tmp := l.file + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	if err := os.Rename(tmp, l.file); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
