// ABOUTME: Stores execution trace events per command and builds their tree lazily
// ABOUTME: Parent links are weak id references; children may arrive before parents

package trace

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/tdoan35/onsembl/internal/protocol"
)

// ErrUnknownCommand indicates a trace event for a command id never submitted.
var ErrUnknownCommand = errors.New("unknown command")

// CommandIndex answers whether a command id was ever submitted.
type CommandIndex interface {
	Exists(commandID string) bool
}

// Node is one event in the reconstructed tree.
type Node struct {
	Event    protocol.TraceEvent `json:"event"`
	Children []*Node             `json:"children,omitempty"`
}

// Metadata aggregates the events selected for one tree build.
type Metadata struct {
	EventCount   int      `json:"eventCount"`
	InputTokens  int64    `json:"inputTokens"`
	OutputTokens int64    `json:"outputTokens"`
	// MeanDurationMs averages only events carrying a duration.
	MeanDurationMs float64  `json:"meanDurationMs"`
	Types          []string `json:"types"`
}

// Tree is the result of a build: root nodes plus aggregated metadata.
type Tree struct {
	Roots    []*Node  `json:"roots"`
	Metadata Metadata `json:"metadata"`
}

type commandTrace struct {
	mu     sync.Mutex
	byID   map[string]protocol.TraceEvent
	events []protocol.TraceEvent
}

// Builder records trace events and reconstructs their hierarchy on demand.
// No parent validation happens at insertion time; the tree is built at query
// time so reordered arrivals need no special casing.
type Builder struct {
	mu     sync.RWMutex
	traces map[string]*commandTrace
	index  CommandIndex
	logger *slog.Logger
}

// New creates a builder validating command ids against index.
func New(index CommandIndex, logger *slog.Logger) *Builder {
	return &Builder{
		traces: make(map[string]*commandTrace),
		index:  index,
		logger: logger,
	}
}

// Record stores an event under its command. Duplicate event ids replace the
// earlier record. Returns ErrUnknownCommand for ids never submitted.
func (b *Builder) Record(event protocol.TraceEvent) error {
	ct, err := b.trace(event.CommandID)
	if err != nil {
		return err
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, dup := ct.byID[event.ID]; dup {
		b.logger.Debug("replacing duplicate trace event",
			"command_id", event.CommandID,
			"event_id", event.ID,
		)
		for i := range ct.events {
			if ct.events[i].ID == event.ID {
				ct.events[i] = event
				break
			}
		}
	} else {
		ct.events = append(ct.events, event)
	}
	ct.byID[event.ID] = event
	return nil
}

// BuildTree reconstructs the event hierarchy for a command, optionally
// restricted to the given event types. Events whose parent is absent or
// filtered out become roots; siblings are ordered by start time. The result
// is identical for any arrival order of the same event set.
func (b *Builder) BuildTree(commandID string, typeFilter []string) (*Tree, error) {
	ct, err := b.trace(commandID)
	if err != nil {
		return nil, err
	}

	ct.mu.Lock()
	selected := filterEvents(ct.events, typeFilter)
	ct.mu.Unlock()

	inSet := make(map[string]struct{}, len(selected))
	for _, ev := range selected {
		inSet[ev.ID] = struct{}{}
	}

	nodes := make(map[string]*Node, len(selected))
	for _, ev := range selected {
		nodes[ev.ID] = &Node{Event: ev}
	}

	var roots []*Node
	for _, ev := range selected {
		node := nodes[ev.ID]
		if ev.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		if _, ok := inSet[ev.ParentID]; !ok {
			// Dangling or filtered-out parent: promote to root rather than
			// losing the subtree.
			roots = append(roots, node)
			continue
		}
		parent := nodes[ev.ParentID]
		parent.Children = append(parent.Children, node)
	}

	roots = breakCycles(roots, nodes)

	sortSiblings(roots)
	for _, node := range nodes {
		sortSiblings(node.Children)
	}

	return &Tree{Roots: roots, Metadata: aggregate(selected)}, nil
}

// Events returns the raw events recorded for a command, in arrival order.
func (b *Builder) Events(commandID string) ([]protocol.TraceEvent, error) {
	ct, err := b.trace(commandID)
	if err != nil {
		return nil, err
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]protocol.TraceEvent, len(ct.events))
	copy(out, ct.events)
	return out, nil
}

func (b *Builder) trace(commandID string) (*commandTrace, error) {
	b.mu.RLock()
	ct, ok := b.traces[commandID]
	b.mu.RUnlock()
	if ok {
		return ct, nil
	}

	if !b.index.Exists(commandID) {
		return nil, ErrUnknownCommand
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ct, ok = b.traces[commandID]; ok {
		return ct, nil
	}
	ct = &commandTrace{byID: make(map[string]protocol.TraceEvent)}
	b.traces[commandID] = ct
	return ct, nil
}

func filterEvents(events []protocol.TraceEvent, typeFilter []string) []protocol.TraceEvent {
	if len(typeFilter) == 0 {
		out := make([]protocol.TraceEvent, len(events))
		copy(out, events)
		return out
	}
	allowed := make(map[string]struct{}, len(typeFilter))
	for _, t := range typeFilter {
		allowed[t] = struct{}{}
	}
	var out []protocol.TraceEvent
	for _, ev := range events {
		if _, ok := allowed[ev.Type]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// breakCycles promotes one member of every parent cycle to a root, so no
// recorded event is unreachable from the tree. Each node has at most one
// parent, so every unreachable group contains exactly one cycle; breaking it
// at the member with the smallest id keeps the result deterministic.
func breakCycles(roots []*Node, nodes map[string]*Node) []*Node {
	reached := make(map[string]bool, len(nodes))
	var mark func(*Node)
	mark = func(n *Node) {
		if reached[n.Event.ID] {
			return
		}
		reached[n.Event.ID] = true
		for _, c := range n.Children {
			mark(c)
		}
	}
	for _, r := range roots {
		mark(r)
	}

	for len(reached) < len(nodes) {
		start := ""
		for id := range nodes {
			if !reached[id] && (start == "" || id < start) {
				start = id
			}
		}

		// Walking parent links from an unreachable node must revisit a node;
		// that node is on the cycle.
		onPath := make(map[string]bool)
		cur := start
		for !onPath[cur] {
			onPath[cur] = true
			cur = nodes[cur].Event.ParentID
		}
		breakID := cur
		for id := nodes[cur].Event.ParentID; id != cur; id = nodes[id].Event.ParentID {
			if id < breakID {
				breakID = id
			}
		}

		node := nodes[breakID]
		parent := nodes[node.Event.ParentID]
		parent.Children = detachChild(parent.Children, node)
		roots = append(roots, node)
		mark(node)
	}
	return roots
}

func detachChild(children []*Node, target *Node) []*Node {
	out := children[:0]
	for _, c := range children {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// sortSiblings orders nodes by start time ascending, falling back to event
// id so ordering stays deterministic for events without timestamps.
func sortSiblings(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Event, nodes[j].Event
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.ID < b.ID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return a.ID < b.ID
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
}

func aggregate(events []protocol.TraceEvent) Metadata {
	md := Metadata{EventCount: len(events)}

	var durTotal int64
	var durCount int
	typeSet := make(map[string]struct{})
	for _, ev := range events {
		if ev.TokenUsage != nil {
			md.InputTokens += ev.TokenUsage.Input
			md.OutputTokens += ev.TokenUsage.Output
		}
		if ev.DurationMs > 0 {
			durTotal += ev.DurationMs
			durCount++
		}
		typeSet[ev.Type] = struct{}{}
	}
	if durCount > 0 {
		md.MeanDurationMs = float64(durTotal) / float64(durCount)
	}

	md.Types = make([]string, 0, len(typeSet))
	for t := range typeSet {
		md.Types = append(md.Types, t)
	}
	sort.Strings(md.Types)
	return md
}
