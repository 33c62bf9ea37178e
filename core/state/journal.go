package state

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/xibeiwind/solidity-task/storage"
)

type journalEntry struct {
	value   []byte
	deleted bool
}

// Journal stages writes on top of the manager's database. Reads see staged
// writes first. Nothing reaches the database until the root journal commits;
// discarding drops every staged write and every pending commit hook.
//
// A Journal is not safe for concurrent use.
type Journal struct {
	mgr    *Manager
	parent *Journal
	writes map[string]journalEntry
	hooks  []func()
	done   bool
}

func newJournal(m *Manager, parent *Journal) *Journal {
	return &Journal{mgr: m, parent: parent, writes: make(map[string]journalEntry)}
}

func (j *Journal) lookup(hashed string) (journalEntry, bool) {
	for cur := j; cur != nil; cur = cur.parent {
		if entry, ok := cur.writes[hashed]; ok {
			return entry, true
		}
	}
	return journalEntry{}, false
}

// KVGet reads key through the journal chain, falling back to the database.
func (j *Journal) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	if j.done {
		return false, fmt.Errorf("state: journal already closed")
	}
	hashed := kvKey(key)
	if entry, ok := j.lookup(string(hashed)); ok {
		if entry.deleted {
			return false, nil
		}
		return decodeInto(entry.value, out)
	}
	data, ok, err := j.mgr.raw(hashed)
	if err != nil || !ok {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut stages value under key.
func (j *Journal) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if j.done {
		return fmt.Errorf("state: journal already closed")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	j.writes[string(kvKey(key))] = journalEntry{value: encoded}
	return nil
}

// KVDelete stages the removal of key.
func (j *Journal) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if j.done {
		return fmt.Errorf("state: journal already closed")
	}
	j.writes[string(kvKey(key))] = journalEntry{deleted: true}
	return nil
}

// OnCommit registers fn to run once the root journal has been written to the
// database. Hooks of discarded journals never run.
func (j *Journal) OnCommit(fn func()) {
	if j == nil || fn == nil || j.done {
		return
	}
	j.hooks = append(j.hooks, fn)
}

// Pending reports how many keys the journal has staged.
func (j *Journal) Pending() int {
	if j == nil {
		return 0
	}
	return len(j.writes)
}

// Commit folds a nested journal into its parent, or writes a root journal to
// the database in a single batch and then runs the commit hooks in
// registration order.
func (j *Journal) Commit() error {
	if j == nil {
		return fmt.Errorf("state: nil journal")
	}
	if j.done {
		return fmt.Errorf("state: journal already closed")
	}
	j.done = true
	if j.parent != nil {
		for k, v := range j.writes {
			j.parent.writes[k] = v
		}
		j.parent.hooks = append(j.parent.hooks, j.hooks...)
		return nil
	}
	defer j.mgr.txMu.Unlock()
	batch := storage.NewBatch()
	for k, v := range j.writes {
		if v.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), v.value)
	}
	if err := j.mgr.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit journal: %w", err)
	}
	for _, hook := range j.hooks {
		hook()
	}
	return nil
}

// Discard drops the journal. It is safe to call after Commit, which makes
// `defer j.Discard()` the usual pattern.
func (j *Journal) Discard() {
	if j == nil || j.done {
		return
	}
	j.done = true
	j.writes = nil
	j.hooks = nil
	if j.parent == nil {
		j.mgr.txMu.Unlock()
	}
}

type journalKey struct{}

// WithJournal returns a copy of ctx carrying j.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

// JournalFrom extracts the journal carried by ctx, if any.
func JournalFrom(ctx context.Context) (*Journal, bool) {
	if ctx == nil {
		return nil, false
	}
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok && j != nil
}
