package ir

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
)

// List is an arena of nodes linked in program order by index.
type List struct {
	nodes  []Node
	head   NodeID
	tail   NodeID
	labels []NodeID
	cur    *Func
}

func NewList() *List {
	return &List{head: NoNode, tail: NoNode}
}

// Len returns the number of nodes ever appended.
func (l *List) Len() int { return len(l.nodes) }

func (l *List) Head() NodeID { return l.head }
func (l *List) Tail() NodeID { return l.tail }

// Node returns the node for id. The pointer is invalidated by Append.
func (l *List) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(l.nodes) {
		return nil
	}
	return &l.nodes[id]
}

// All walks the list in program order.
func (l *List) All() iter.Seq2[NodeID, *Node] {
	return func(yield func(NodeID, *Node) bool) {
		for id := l.head; id != NoNode; id = l.nodes[id].next {
			if !yield(id, &l.nodes[id]) {
				return
			}
		}
	}
}

// Append links n after the current tail and returns its id.
func (l *List) Append(n Node) NodeID {
	id := NodeID(len(l.nodes))
	n.prev, n.next = l.tail, NoNode
	n.Patch, n.PatchKind = -1, PatchNone
	l.nodes = append(l.nodes, n)
	if l.tail != NoNode {
		l.nodes[l.tail].next = id
	} else {
		l.head = id
	}
	l.tail = id
	return id
}

// NewLabel allocates an unplaced label.
func (l *List) NewLabel() LabelID {
	l.labels = append(l.labels, NoNode)
	return LabelID(len(l.labels) - 1)
}

// Labels returns the number of allocated labels.
func (l *List) Labels() int { return len(l.labels) }

// LabelNode returns the OpLabel node that places lbl, or NoNode.
func (l *List) LabelNode(lbl LabelID) NodeID {
	if lbl < 0 || int(lbl) >= len(l.labels) {
		return NoNode
	}
	return l.labels[lbl]
}

// Label places lbl at the current end of the list.
func (l *List) Label(lbl LabelID) NodeID {
	id := l.Append(Node{Op: OpLabel, Args: [3]Operand{lbl.operand()}})
	l.labels[lbl] = id
	return id
}

// Here allocates a label and places it at the end of the list.
func (l *List) Here() LabelID {
	lbl := l.NewLabel()
	l.Label(lbl)
	return lbl
}

// FuncOf returns the header of the function containing id.
func (l *List) FuncOf(id NodeID) *Func {
	for ; id != NoNode; id = l.nodes[id].prev {
		if l.nodes[id].Op == OpProlog {
			return l.nodes[id].Func
		}
	}
	return nil
}

// Funcs returns the prolog nodes in program order.
func (l *List) Funcs() []NodeID {
	var out []NodeID
	for id, n := range l.All() {
		if n.Op == OpProlog {
			out = append(out, id)
		}
	}
	return out
}

var (
	ErrUnplacedLabel = errors.New("ir: label referenced but never placed")
	ErrBadReference  = errors.New("ir: bad node reference")
	ErrNoFunction    = errors.New("ir: node outside a function")
)

// Check verifies the cross references a code generator relies on: every
// label operand is placed, patch and transfer operands point at nodes of
// the right kind, and no code precedes the first prolog.
func (l *List) Check() error {
	var errs []error
	seenProlog := false
	for id, n := range l.All() {
		switch n.Op {
		case OpProlog:
			seenProlog = true
		case OpNop, OpLabel, OpDataByte, OpDataRefCode, OpDataRefData, OpCodeAlign, OpPatch:
		default:
			if !seenProlog {
				errs = append(errs, fmt.Errorf("%w: %%%d %s", ErrNoFunction, id, n.Op))
			}
		}
		for _, a := range n.Args {
			if a.Kind == KindLabel && l.LabelNode(a.Label) == NoNode {
				errs = append(errs, fmt.Errorf("%w: %%%d %s @L%d", ErrUnplacedLabel, id, n.Op, a.Label))
			}
		}
		switch {
		case n.Op == OpPatch:
			if t := l.Node(n.Args[0].Node); n.Args[0].Kind != KindNode || t == nil {
				errs = append(errs, fmt.Errorf("%w: %%%d patch", ErrBadReference, id))
			}
		case n.Op.IsTransferBody():
			if t := l.Node(n.Args[0].Node); n.Args[0].Kind != KindNode || t == nil || t.Op != OpTransfer {
				errs = append(errs, fmt.Errorf("%w: %%%d %s does not name a transfer", ErrBadReference, id, n.Op))
			}
		}
	}
	return errors.Join(errs...)
}

// Dump writes one line per node. With annotate set the allocator's
// liveness and register map are included.
func (l *List) Dump(w io.Writer, annotate bool, hwName func(hw int, float bool) string) error {
	for id, n := range l.All() {
		line := fmt.Sprintf("%%%-4d %s", id, n.String())
		if annotate && n.LiveIn != nil {
			line = fmt.Sprintf("%-40s in=%s out=%s map=%s", line,
				formatSet(n.LiveIn), formatSet(n.LiveOut), formatRegMap(n.RegMap, hwName))
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatSet(s Set) string {
	regs := s.Sorted()
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatRegMap(m RegMap, hwName func(int, bool) string) string {
	regs := make([]Reg, 0, len(m))
	for r := range m {
		regs = append(regs, r)
	}
	slices.Sort(regs)
	parts := make([]string, len(regs))
	for i, r := range regs {
		name := fmt.Sprint(m[r])
		if hwName != nil {
			name = hwName(m[r], r.IsFloat())
		}
		parts[i] = r.String() + ":" + name
	}
	return "{" + strings.Join(parts, ",") + "}"
}
