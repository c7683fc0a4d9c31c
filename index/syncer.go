package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/metrics"
)

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// Interval between polls in Run. Defaults to 5s.
	Interval time.Duration
	// Concurrency bounds parallel anchor resolution. Defaults to 8.
	Concurrency int
	// Sinks receive every applied batch of events.
	Sinks []interfaces.EventSink
}

// Syncer follows the ledger's event stream into a CertificateIndex. It
// catches certificates minted outside this process and revocations made by
// the administrator, and can rebuild the index from genesis.
type Syncer struct {
	source  interfaces.EventSource
	anchor  interfaces.Anchor
	index   interfaces.CertificateIndex
	cfg     SyncerConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewSyncer(source interfaces.EventSource, anchor interfaces.Anchor, index interfaces.CertificateIndex, cfg SyncerConfig, m *metrics.Metrics, log *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Syncer{
		source:  source,
		anchor:  anchor,
		index:   index,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// SyncOnce applies every event after the index checkpoint and advances it.
// It returns the number of events applied. A transient anchor outage aborts
// the pass without moving the checkpoint, so the batch is retried later.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	checkpoint, err := s.index.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}

	events, head, err := s.source.Events(ctx, checkpoint+1)
	if err != nil {
		return 0, err
	}
	if head <= checkpoint {
		s.metrics.SetHeads(checkpoint, head)
		return 0, nil
	}

	contents, err := s.resolveAll(ctx, events)
	if err != nil {
		return 0, err
	}

	for i, ev := range events {
		if err := s.apply(ctx, ev, contents[i]); err != nil {
			return i, fmt.Errorf("apply %s event of block %d: %w", ev.Kind, ev.BlockNumber, err)
		}
	}

	if err := s.index.SetCheckpoint(ctx, head); err != nil {
		return len(events), err
	}
	s.metrics.SetHeads(head, head)

	if len(events) > 0 {
		s.log.Debug("Index synced",
			slog.Int("events", len(events)),
			slog.Uint64("from", checkpoint+1),
			slog.Uint64("head", head))
		s.publish(ctx, events)
	}
	return len(events), nil
}

// resolveAll resolves the content of every minted certificate in parallel.
// Permanently unresolvable content leaves a nil entry and is indexed without
// subject and issue date.
func (s *Syncer) resolveAll(ctx context.Context, events []interfaces.LedgerEvent) ([]*interfaces.CertificateContent, error) {
	contents := make([]*interfaces.CertificateContent, len(events))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, ev := range events {
		if ev.Kind != interfaces.EventMinted {
			continue
		}
		g.Go(func() error {
			content, err := s.anchor.Resolve(gctx, ev.URI)
			switch {
			case err == nil:
				contents[i] = content
			case interfaces.IsRetryableAnchorError(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("resolve token %d: %w", ev.TokenID, err)
			default:
				s.log.Warn("Indexing certificate without content",
					slog.Uint64("token_id", uint64(ev.TokenID)),
					"err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contents, nil
}

func (s *Syncer) apply(ctx context.Context, ev interfaces.LedgerEvent, content *interfaces.CertificateContent) error {
	switch ev.Kind {
	case interfaces.EventMinted:
		rec := &interfaces.IndexRecord{
			TokenID:   ev.TokenID,
			URI:       ev.URI,
			Recipient: ev.Recipient,
			Issuer:    ev.Issuer,
		}
		if content != nil {
			rec.Subject = content.Subject
			rec.IssuedAt = content.IssuedAt
		}
		return s.index.Put(ctx, rec)

	case interfaces.EventRevoked:
		return s.index.MarkRevoked(ctx, ev.TokenID)

	case interfaces.EventTransferred:
		rec, err := s.index.Get(ctx, ev.TokenID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.Recipient = ev.To
		return s.index.Put(ctx, rec)
	}
	return nil
}

func (s *Syncer) publish(ctx context.Context, events []interfaces.LedgerEvent) {
	for _, sink := range s.cfg.Sinks {
		if err := sink.Publish(ctx, events); err != nil {
			s.log.Warn("Failed to publish ledger events", slog.Int("events", len(events)), "err", err)
		}
	}
}

// Rebuild drops the index and replays the ledger from genesis.
func (s *Syncer) Rebuild(ctx context.Context) (int, error) {
	if err := s.index.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	return s.SyncOnce(ctx)
}

// Run polls the ledger until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("Index sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
