package playback

// History is an insertion-ordered set of clip ids. With a positive limit the
// oldest id is evicted once the set is full.
type History struct {
	limit int
	order []string
	set   map[string]struct{}
}

func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit, set: make(map[string]struct{})}
}

func (h *History) Has(id string) bool {
	_, ok := h.set[id]
	return ok
}

// Add inserts id; re-adding an existing id is a no-op.
func (h *History) Add(id string) {
	if id == "" || h.Has(id) {
		return
	}
	if h.limit > 0 && len(h.order) >= h.limit {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.set, oldest)
	}
	h.order = append(h.order, id)
	h.set[id] = struct{}{}
}

func (h *History) Reset() {
	h.order = nil
	h.set = make(map[string]struct{})
}

func (h *History) Len() int { return len(h.order) }

// IDs returns the ids oldest first.
func (h *History) IDs() []string {
	return append([]string{}, h.order...)
}
