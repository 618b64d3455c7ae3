package where

// Builder makes where tree step by step. Open brackets are tracked as a stack of member indices
// from the root. Every call returns a new builder and never changes the receiver or trees
// returned earlier, so any intermediate builder can be kept and extended independently.
type Builder struct {
	root Bracket
	path []int
}

// NewBuilder makes an empty builder with "and" root bracket
func NewBuilder() Builder {
	return Builder{root: Bracket{Op: And}}
}

// Where appends a condition to the current bracket. Operator "=" makes equality,
// unknown operators are kept as is and rejected by the compiler.
func (b Builder) Where(column, op string, value any) Builder {
	o, ok := ParseOp(op)
	switch {
	case !ok:
		res, _ := b.add(Comparison{Column: column, Op: Op(op), Value: value})
		return res
	case o == Eq:
		res, _ := b.add(Equality{Column: column, Value: value})
		return res
	default:
		res, _ := b.add(Comparison{Column: column, Op: o, Value: value})
		return res
	}
}

// Append adds an existing node, e.g. a parsed one, to the current bracket
func (b Builder) Append(n Node) Builder {
	res, _ := b.add(n)
	return res
}

// Begin opens a nested bracket joined with op, following calls add to it until End
func (b Builder) Begin(op Join) Builder {
	res, idx := b.add(Bracket{Op: op})
	path := make([]int, len(b.path), len(b.path)+1)
	copy(path, b.path)
	res.path = append(path, idx)
	return res
}

// End closes the current bracket. Closing the root is a no-op.
func (b Builder) End() Builder {
	if len(b.path) == 0 {
		return b
	}
	return Builder{root: b.root, path: b.path[:len(b.path)-1]}
}

// Depth returns the number of open brackets
func (b Builder) Depth() int { return len(b.path) }

// Node returns the tree built so far, open brackets included as is
func (b Builder) Node() Node {
	if b.root.Op == "" {
		return Bracket{Op: And, Nodes: b.root.Nodes}
	}
	return b.root
}

func (b Builder) add(n Node) (Builder, int) {
	root := b.root
	if root.Op == "" {
		root.Op = And
	}
	newRoot, idx := insertAt(root, b.path, n)
	return Builder{root: newRoot, path: b.path}, idx
}

// insertAt copies brackets along the path and appends n to the last one
func insertAt(br Bracket, path []int, n Node) (Bracket, int) {
	nodes := make([]Node, len(br.Nodes), len(br.Nodes)+1)
	copy(nodes, br.Nodes)
	if len(path) == 0 {
		nodes = append(nodes, n)
		return Bracket{Op: br.Op, Nodes: nodes}, len(nodes) - 1
	}
	child, _ := nodes[path[0]].(Bracket)
	updated, idx := insertAt(child, path[1:], n)
	nodes[path[0]] = updated
	return Bracket{Op: br.Op, Nodes: nodes}, idx
}
