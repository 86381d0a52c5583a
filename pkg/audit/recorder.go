package audit

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/orion-ops/orion/pkg/contracts"
)

// ConsumerGroup is the recorder's bus consumer group.
const ConsumerGroup = "audit"

// Subscriber is the bus surface the recorder needs.
type Subscriber interface {
	Subscribe(ctx context.Context, kind, group, consumer string, handler func(ctx context.Context, data []byte) error) error
}

// Recorder copies events, incidents, and decisions off the bus into the
// audit trail. It is a passive observer; recording failures never block
// the originating component.
type Recorder struct {
	bus   Subscriber
	store *Store
	log   *slog.Logger
}

// NewRecorder creates a recorder writing into the given store.
func NewRecorder(bus Subscriber, store *Store) *Recorder {
	return &Recorder{
		bus:   bus,
		store: store,
		log:   slog.Default().With("component", "audit.recorder"),
	}
}

// Run subscribes to the audited streams and blocks until ctx is
// cancelled or a subscription fails to start.
func (r *Recorder) Run(ctx context.Context) error {
	r.log.Info("audit recorder starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.bus.Subscribe(gctx, contracts.KindEvent, ConsumerGroup, "audit-events", r.record(r.store.AppendEvent))
	})
	g.Go(func() error {
		return r.bus.Subscribe(gctx, contracts.KindIncident, ConsumerGroup, "audit-incidents", r.record(r.store.AppendIncident))
	})
	g.Go(func() error {
		return r.bus.Subscribe(gctx, contracts.KindDecision, ConsumerGroup, "audit-decisions", r.record(r.store.AppendDecision))
	})
	return g.Wait()
}

func (r *Recorder) record(appendFn func(raw []byte) error) func(ctx context.Context, data []byte) error {
	return func(ctx context.Context, data []byte) error {
		if err := appendFn(data); err != nil {
			r.log.Error("failed to record audit entry", "error", err)
			return err
		}
		return nil
	}
}
