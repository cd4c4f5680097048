package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// ErrNoDeployer is returned when a unit requests a deployment but no
// deployer is registered.
var ErrNoDeployer = errors.New("no deployer registered")

// maxDeployDepth bounds cascading deployments within one unit.
const maxDeployDepth = 16

// Op is a state transition running inside a storage transaction.
type Op func(tx *storage.Storage, now time.Time) (*Effects, error)

// Deployer instantiates escrow instances inside the requesting unit's
// transaction.
type Deployer interface {
	Instantiate(tx *storage.Storage, now time.Time, d Deploy) (*Effects, error)
}

// ReplyHandler consumes the events of a completed deployment,
// correlated by the token the requester issued. A reply error fails
// the whole unit.
type ReplyHandler interface {
	HandleDeployReply(tx *storage.Storage, now time.Time, token string, events []Event) (*Effects, error)
}

// EventSink receives the events of committed units.
type EventSink interface {
	PublishEvents(events []Event)
}

// PacketNotifier is poked after commit when new outbound packets are
// waiting in the outbox.
type PacketNotifier interface {
	PacketsEnqueued()
}

// Executor runs units of work one at a time. Each unit sees a
// consistent snapshot, and either all of its writes, transfers and
// deployments commit or none do.
type Executor struct {
	store    *storage.Storage
	deployer Deployer
	replies  ReplyHandler
	sinks    []EventSink
	notifier PacketNotifier
	clock    func() time.Time
	logger   *logging.Logger
}

// NewExecutor creates an executor over the given store.
func NewExecutor(store *storage.Storage, logger *logging.Logger) *Executor {
	return &Executor{
		store:  store,
		clock:  time.Now,
		logger: logger.Component("runtime"),
	}
}

// SetDeployer registers the escrow deployer and its reply handler.
func (e *Executor) SetDeployer(d Deployer, r ReplyHandler) {
	e.deployer = d
	e.replies = r
}

// AddEventSink registers a sink for committed events.
func (e *Executor) AddEventSink(sink EventSink) {
	e.sinks = append(e.sinks, sink)
}

// SetPacketNotifier registers the post-commit packet delivery nudge.
func (e *Executor) SetPacketNotifier(n PacketNotifier) {
	e.notifier = n
}

// SetClock overrides the time source.
func (e *Executor) SetClock(clock func() time.Time) {
	e.clock = clock
}

// Now returns the executor's current time.
func (e *Executor) Now() time.Time {
	return e.clock()
}

// Execute runs op as one atomic unit and returns its accumulated
// effects. Serialization comes from the store's single-writer
// transaction; concurrent units queue behind each other.
func (e *Executor) Execute(op Op) (*Effects, error) {
	now := e.clock()
	total := &Effects{}
	packetCount := 0

	err := e.store.Transact(func(tx *storage.Storage) error {
		effects, err := op(tx, now)
		if err != nil {
			return err
		}
		if err := e.settle(tx, now, effects, total, 0); err != nil {
			return err
		}
		packetCount = len(total.Packets)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("unit committed",
		"events", len(total.Events),
		"transfers", len(total.Transfers),
		"deploys", len(total.Deploys),
		"packets", packetCount)

	for _, sink := range e.sinks {
		sink.PublishEvents(total.Events)
	}
	if packetCount > 0 && e.notifier != nil {
		e.notifier.PacketsEnqueued()
	}
	return total, nil
}

// settle applies one batch of effects inside the transaction.
// Deployments run immediately and their replies may produce further
// effects, which settle recursively.
func (e *Executor) settle(tx *storage.Storage, now time.Time, effects *Effects, total *Effects, depth int) error {
	if effects == nil {
		return nil
	}
	if depth > maxDeployDepth {
		return fmt.Errorf("deployment cascade exceeded depth %d", maxDeployDepth)
	}

	for _, t := range effects.Transfers {
		if err := e.applyTransfer(tx, t); err != nil {
			return err
		}
	}
	total.Transfers = append(total.Transfers, effects.Transfers...)
	total.Events = append(total.Events, effects.Events...)

	for _, p := range effects.Packets {
		if err := tx.EnqueuePacket(&storage.OutboundPacket{
			PacketID:  p.ID,
			ChannelID: p.ChannelID,
			DestChain: p.DestChain,
			Payload:   p.Data,
			Deadline:  p.Timeout.Unix(),
		}); err != nil {
			return err
		}
	}
	total.Packets = append(total.Packets, effects.Packets...)

	for _, d := range effects.Deploys {
		if e.deployer == nil {
			return ErrNoDeployer
		}
		deployed, err := e.deployer.Instantiate(tx, now, d)
		if err != nil {
			return fmt.Errorf("deployment %s failed: %w", d.Token, err)
		}
		total.Deploys = append(total.Deploys, d)

		var deployEvents []Event
		if deployed != nil {
			deployEvents = deployed.Events
		}
		var replied *Effects
		if e.replies != nil {
			replied, err = e.replies.HandleDeployReply(tx, now, d.Token, deployEvents)
			if err != nil {
				return fmt.Errorf("deployment reply %s failed: %w", d.Token, err)
			}
		}
		if err := e.settle(tx, now, deployed, total, depth+1); err != nil {
			return err
		}
		if err := e.settle(tx, now, replied, total, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) applyTransfer(tx *storage.Storage, t Transfer) error {
	if t.Amount == 0 {
		return nil
	}
	if t.From != "" {
		if err := tx.DebitBalance(t.From, t.Denom, t.Amount); err != nil {
			return fmt.Errorf("transfer from %s: %w", t.From, err)
		}
	}
	if err := tx.CreditBalance(t.To, t.Denom, t.Amount); err != nil {
		return fmt.Errorf("transfer to %s: %w", t.To, err)
	}
	return nil
}
