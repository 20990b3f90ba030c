package ir

// Defs returns the allocatable registers node id writes.
func (l *List) Defs(id NodeID) []Reg {
	n := l.Node(id)
	if n == nil {
		return nil
	}
	switch n.Op {
	case OpBoAdd, OpBoSub, OpBnoAdd, OpBnoSub:
		// the overflow branches leave the sum or difference in a
		if n.Args[1].UsesReg() {
			return []Reg{n.Args[1].Reg}
		}
		return nil
	}
	if !n.Op.WritesArg0() || !n.Args[0].UsesReg() {
		return nil
	}
	return []Reg{n.Args[0].Reg}
}

// Uses returns the allocatable registers node id reads. A transfer body
// node also reads the operands of the transfer it belongs to, which keeps
// them allocated until the loop is closed.
func (l *List) Uses(id NodeID) []Reg {
	n := l.Node(id)
	if n == nil {
		return nil
	}
	var out []Reg
	add := func(o Operand) {
		if o.UsesReg() {
			for _, r := range out {
				if r == o.Reg {
					return
				}
			}
			out = append(out, o.Reg)
		}
	}
	switch {
	case n.Op == OpGetArg || n.Op == OpLreg:
		return nil
	case n.Op.IsTransferBody():
		if open := l.Node(n.Args[0].Node); open != nil {
			for _, a := range open.Args {
				add(a)
			}
		}
		add(n.Args[1])
		return out
	}
	start := 0
	if n.Op.WritesArg0() {
		start = 1
	}
	for _, a := range n.Args[start:] {
		add(a)
	}
	return out
}

// UsesHW reports whether any register node id reads or writes is mapped
// to hw in its register map.
func (l *List) UsesHW(id NodeID, hw int, float bool) bool {
	n := l.Node(id)
	if n == nil || n.RegMap == nil {
		return false
	}
	check := func(regs []Reg) bool {
		for _, r := range regs {
			if r.IsFloat() != float {
				continue
			}
			if h, ok := n.RegMap[r]; ok && h == hw {
				return true
			}
		}
		return false
	}
	return check(l.Defs(id)) || check(l.Uses(id))
}
