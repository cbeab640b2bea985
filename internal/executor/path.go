package executor

// LinkedPath is one response path segment linked to its parent. The root is
// nil. Frames are created on the call stack and never retained after the
// call that created them returns, except through Slice.
type LinkedPath struct {
	parent *LinkedPath
	key    string
	index  int
	isKey  bool
}

// Key extends p with an object key.
func (p *LinkedPath) Key(key string) *LinkedPath {
	return &LinkedPath{parent: p, key: key, isKey: true}
}

// Index extends p with a list index.
func (p *LinkedPath) Index(i int) *LinkedPath {
	return &LinkedPath{parent: p, index: i}
}

// Slice returns the path from the root as string keys and int indices.
func (p *LinkedPath) Slice() []any {
	n := 0
	for cur := p; cur != nil; cur = cur.parent {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]any, n)
	for cur := p; cur != nil; cur = cur.parent {
		n--
		if cur.isKey {
			out[n] = cur.key
		} else {
			out[n] = cur.index
		}
	}
	return out
}
