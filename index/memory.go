package index

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// MemoryIndex keeps the index in lock-free maps. It is the default for
// single-process deployments and tests; its contents are rebuilt on start.
type MemoryIndex struct {
	records    *xsync.MapOf[interfaces.TokenID, *interfaces.IndexRecord]
	uris       *xsync.MapOf[string, interfaces.TokenID]
	checkpoint atomic.Uint64
}

var _ Store = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		records: xsync.NewMapOf[interfaces.TokenID, *interfaces.IndexRecord](),
		uris:    xsync.NewMapOf[string, interfaces.TokenID](),
	}
}

func (m *MemoryIndex) Put(ctx context.Context, rec *interfaces.IndexRecord) error {
	if rec.TokenID == 0 {
		return fmt.Errorf("index record without token id")
	}
	stored := *rec
	m.records.Compute(rec.TokenID, func(old *interfaces.IndexRecord, loaded bool) (*interfaces.IndexRecord, bool) {
		if loaded {
			stored.Revoked = stored.Revoked || old.Revoked
			if old.URI != stored.URI {
				m.uris.Delete(old.URI)
			}
		}
		return &stored, false
	})
	m.uris.Store(rec.URI, rec.TokenID)
	return nil
}

func (m *MemoryIndex) MarkRevoked(ctx context.Context, id interfaces.TokenID) error {
	m.records.Compute(id, func(old *interfaces.IndexRecord, loaded bool) (*interfaces.IndexRecord, bool) {
		if !loaded {
			return nil, true
		}
		updated := *old
		updated.Revoked = true
		return &updated, false
	})
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, id interfaces.TokenID) (*interfaces.IndexRecord, error) {
	rec, ok := m.records.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: token %d not indexed", interfaces.ErrNotFound, id)
	}
	out := *rec
	return &out, nil
}

func (m *MemoryIndex) ByURI(ctx context.Context, uri string) (*interfaces.IndexRecord, error) {
	id, ok := m.uris.Load(uri)
	if !ok {
		return nil, fmt.Errorf("%w: uri not indexed", interfaces.ErrNotFound)
	}
	return m.Get(ctx, id)
}

func (m *MemoryIndex) filter(match func(*interfaces.IndexRecord) bool) []*interfaces.IndexRecord {
	var out []*interfaces.IndexRecord
	m.records.Range(func(_ interfaces.TokenID, rec *interfaces.IndexRecord) bool {
		if match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

func (m *MemoryIndex) ByIssuer(ctx context.Context, issuer common.Address) ([]*interfaces.IndexRecord, error) {
	return m.filter(func(r *interfaces.IndexRecord) bool { return r.Issuer == issuer }), nil
}

func (m *MemoryIndex) ByRecipient(ctx context.Context, recipient common.Address) ([]*interfaces.IndexRecord, error) {
	return m.filter(func(r *interfaces.IndexRecord) bool { return r.Recipient == recipient }), nil
}

func (m *MemoryIndex) Checkpoint(ctx context.Context) (uint64, error) {
	return m.checkpoint.Load(), nil
}

func (m *MemoryIndex) SetCheckpoint(ctx context.Context, block uint64) error {
	m.checkpoint.Store(block)
	return nil
}

func (m *MemoryIndex) Reset(ctx context.Context) error {
	m.records.Clear()
	m.uris.Clear()
	m.checkpoint.Store(0)
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
