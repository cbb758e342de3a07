// ABOUTME: Buffers terminal output chunks per command and fans them out live
// ABOUTME: Live delivery preserves arrival order; history is sorted by sequence

package stream

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tdoan35/onsembl/internal/protocol"
)

// ErrUnknownCommand indicates output for a command id never submitted.
var ErrUnknownCommand = errors.New("unknown command")

// CommandIndex answers whether a command id was ever submitted. The
// dispatcher provides the implementation.
type CommandIndex interface {
	Exists(commandID string) bool
}

// DeliverFunc pushes a live envelope to one subscriber. Implementations must
// not block; the registry's buffered enqueue satisfies this.
type DeliverFunc func(env *protocol.Envelope)

type commandStream struct {
	mu     sync.Mutex
	seen   map[int64]struct{}
	chunks []protocol.OutputChunk
	subs   map[string]DeliverFunc
}

// Aggregator stores output chunks keyed by (command, sequence) and fans new
// chunks out to subscribed dashboards. Each command has its own lock.
type Aggregator struct {
	mu      sync.RWMutex
	streams map[string]*commandStream
	index   CommandIndex
	logger  *slog.Logger
}

// New creates an aggregator validating command ids against index.
func New(index CommandIndex, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		streams: make(map[string]*commandStream),
		index:   index,
		logger:  logger,
	}
}

// Ingest stores a chunk and fans it out, as received, to every subscriber of
// the command. A duplicate sequence for the same command is dropped, not
// overwritten. Returns ErrUnknownCommand for ids never submitted.
func (a *Aggregator) Ingest(commandID string, sequence int64, streamType, content string) error {
	cs, err := a.stream(commandID)
	if err != nil {
		return err
	}

	chunk := protocol.OutputChunk{
		CommandID:  commandID,
		Sequence:   sequence,
		StreamType: streamType,
		Content:    content,
		ReceivedAt: time.Now().UTC(),
	}

	cs.mu.Lock()
	if _, dup := cs.seen[sequence]; dup {
		cs.mu.Unlock()
		a.logger.Debug("dropping duplicate output chunk",
			"command_id", commandID,
			"sequence", sequence,
		)
		return nil
	}
	cs.seen[sequence] = struct{}{}
	cs.chunks = append(cs.chunks, chunk)
	targets := make([]DeliverFunc, 0, len(cs.subs))
	for _, deliver := range cs.subs {
		targets = append(targets, deliver)
	}
	cs.mu.Unlock()

	if len(targets) > 0 {
		env, err := protocol.New(protocol.TypeTerminalOutput, protocol.TerminalOutput{
			CommandID:  commandID,
			Sequence:   sequence,
			StreamType: streamType,
			Content:    content,
		})
		if err != nil {
			return err
		}
		for _, deliver := range targets {
			deliver(env)
		}
	}
	return nil
}

// Subscribe returns the chunks ingested so far, sorted ascending by
// sequence, then registers the subscriber for subsequent live chunks. A
// chunk ingested concurrently with the subscription may appear both in the
// history batch and live; consumers deduplicate by (commandId, sequence).
func (a *Aggregator) Subscribe(commandID, subscriberID string, deliver DeliverFunc) ([]protocol.OutputChunk, error) {
	cs, err := a.stream(commandID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	history := sortedCopy(cs.chunks)
	cs.subs[subscriberID] = deliver
	cs.mu.Unlock()

	a.logger.Debug("output subscriber attached",
		"command_id", commandID,
		"subscriber", subscriberID,
	)
	return history, nil
}

// Unsubscribe detaches the subscriber from one command.
func (a *Aggregator) Unsubscribe(commandID, subscriberID string) {
	a.mu.RLock()
	cs, ok := a.streams[commandID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	delete(cs.subs, subscriberID)
	cs.mu.Unlock()
}

// DropSubscriber detaches the subscriber from every command. Called when a
// dashboard connection goes away.
func (a *Aggregator) DropSubscriber(subscriberID string) {
	a.mu.RLock()
	streams := make([]*commandStream, 0, len(a.streams))
	for _, cs := range a.streams {
		streams = append(streams, cs)
	}
	a.mu.RUnlock()

	for _, cs := range streams {
		cs.mu.Lock()
		delete(cs.subs, subscriberID)
		cs.mu.Unlock()
	}
}

// History returns all chunks for the command sorted ascending by sequence.
func (a *Aggregator) History(commandID string) ([]protocol.OutputChunk, error) {
	cs, err := a.stream(commandID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return sortedCopy(cs.chunks), nil
}

// stream returns (creating on first use) the per-command store, validating
// the command id first.
func (a *Aggregator) stream(commandID string) (*commandStream, error) {
	a.mu.RLock()
	cs, ok := a.streams[commandID]
	a.mu.RUnlock()
	if ok {
		return cs, nil
	}

	if !a.index.Exists(commandID) {
		return nil, ErrUnknownCommand
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, ok = a.streams[commandID]; ok {
		return cs, nil
	}
	cs = &commandStream{
		seen: make(map[int64]struct{}),
		subs: make(map[string]DeliverFunc),
	}
	a.streams[commandID] = cs
	return cs, nil
}

func sortedCopy(chunks []protocol.OutputChunk) []protocol.OutputChunk {
	out := make([]protocol.OutputChunk, len(chunks))
	copy(out, chunks)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
