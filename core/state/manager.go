package state

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/xibeiwind/solidity-task/storage"
)

// KV is the read/write surface shared by the Manager and its journals. Values
// are RLP encoded; keys are hashed with keccak256 before hitting the backend.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Manager owns the module state stored in the backing database. Mutations made
// through Begin are staged in a Journal and land atomically on Commit; direct
// KVPut calls on the Manager write through immediately.
//
// Journals are serialised: only one root journal may be open at a time, which
// keeps the shared ledgers consistent when several auctions settle in
// parallel.
type Manager struct {
	db   storage.Database
	txMu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var rolePrefix = []byte("role:")

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return buf
}

func (m *Manager) raw(hashed []byte) ([]byte, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, fmt.Errorf("state: database not configured")
	}
	data, err := m.db.Get(hashed)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.raw(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	return decodeInto(data, out)
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	return m.db.Delete(kvKey(key))
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Begin opens a journal. When ctx already carries a journal of this manager the
// new journal is nested inside it and folds into the parent on Commit;
// otherwise a root journal is opened, blocking until any other root journal
// finishes. The returned context carries the new journal so that ledgers
// invoked further down the call stack write into the same unit of work.
func (m *Manager) Begin(ctx context.Context) (*Journal, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if parent, ok := JournalFrom(ctx); ok && parent.mgr == m && !parent.done {
		child := newJournal(m, parent)
		return child, WithJournal(ctx, child)
	}
	m.txMu.Lock()
	root := newJournal(m, nil)
	return root, WithJournal(ctx, root)
}

// Reader resolves the view a call should read and write through: the journal
// carried by ctx when it belongs to this manager, or the manager itself.
func (m *Manager) Reader(ctx context.Context) KV {
	if ctx != nil {
		if j, ok := JournalFrom(ctx); ok && j.mgr == m && !j.done {
			return j
		}
	}
	return m
}

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	members, err := m.RoleMembers(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr...))
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return m.KVPut(roleKey(trimmed), members)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	var members [][]byte
	ok, err := m.KVGet(roleKey(strings.TrimSpace(role)), &members)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	return members, nil
}

// HasRole reports whether the provided address is associated with the
// specified role. Errors while reading the underlying state result in a false
// return.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := m.RoleMembers(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}
