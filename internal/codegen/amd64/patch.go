package amd64

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/jit/internal/ir"
)

// patchTarget returns the operand naming where a patch site points.
func patchTarget(n *ir.Node) ir.Operand {
	switch n.Op {
	case ir.OpRefCode, ir.OpRefData:
		return n.Args[1]
	}
	return n.Args[0]
}

// destination resolves a patch site to a buffer offset: a placed label, or
// the position of the Patch node bound to it.
func (c *compiler) destination(id ir.NodeID, n *ir.Node) (int, error) {
	switch t := patchTarget(n); t.Kind {
	case ir.KindLabel:
		off, ok := c.labels[t.Label]
		if !ok {
			return 0, fmt.Errorf("%w: @L%d from %%%d %s", ir.ErrUnplacedLabel, t.Label, id, n.Op)
		}
		return off, nil
	case ir.KindNone:
		off, ok := c.targets[id]
		if !ok {
			return 0, fmt.Errorf("%w: forward %s at %%%d never patched", ir.ErrBadReference, n.Op, id)
		}
		return off, nil
	default:
		return 0, fmt.Errorf("%w: %%%d %s has patch site but target %s", ir.ErrBadReference, id, n.Op, t)
	}
}

// resolvePatches rewrites every recorded displacement and absolute address
// now that all label and patch positions are known.
func (c *compiler) resolvePatches() error {
	resolved := 0
	for id, n := range c.l.All() {
		if n.Patch < 0 || n.PatchKind == ir.PatchNone {
			continue
		}
		dest, err := c.destination(id, n)
		if err != nil {
			return err
		}
		switch n.PatchKind {
		case ir.PatchRel32:
			err = c.putRel32(n.Patch, dest)
		case ir.PatchRel32Pair:
			if err = c.putRel32(n.Patch, dest); err == nil {
				err = c.putRel32(n.Patch+6, dest)
			}
		case ir.PatchAbs64, ir.PatchData64:
			if err = c.buf.PutUint64(n.Patch, uint64(dest)); err == nil {
				c.buf.AddRelocation(n.Patch)
			}
		default:
			err = fmt.Errorf("unknown patch kind %s", n.PatchKind)
		}
		if err != nil {
			return fmt.Errorf("codegen: patch %%%d %s: %w", id, n.Op, err)
		}
		resolved++
	}
	slog.Debug("jit: resolved patches", "count", resolved, "labels", len(c.labels))
	return nil
}

func (c *compiler) putRel32(field, dest int) error {
	return c.buf.PutUint32(field, uint32(int32(dest-(field+4))))
}
