package notify

// NoConversation passed to Filter means no conversation is open.
const NoConversation int64 = 0

// Set holds at most one Item per service request, in arrival order.
// Items with a non-positive count are never kept. Not safe for concurrent
// use; Feed guards it.
type Set struct {
	order []int64
	items map[int64]Item
}

func NewSet() *Set {
	return &Set{items: map[int64]Item{}}
}

// Replace swaps in a full snapshot. A later duplicate id wins.
func (s *Set) Replace(items []Item) {
	s.order = s.order[:0]
	s.items = make(map[int64]Item, len(items))
	for _, it := range items {
		s.Upsert(it)
	}
}

// Upsert applies a single delta; the updated item moves to the end.
func (s *Set) Upsert(it Item) {
	s.Remove(it.ServiceRequestID)
	if it.UnreadCount <= 0 {
		return
	}
	s.items[it.ServiceRequestID] = it
	s.order = append(s.order, it.ServiceRequestID)
}

func (s *Set) Remove(id int64) {
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Set) Reset() {
	s.order = s.order[:0]
	s.items = map[int64]Item{}
}

func (s *Set) Len() int { return len(s.order) }

// Filter returns the items needing attention, minus the open conversation.
func (s *Set) Filter(open int64) View {
	v := View{Items: make([]Item, 0, len(s.order))}
	for _, id := range s.order {
		it := s.items[id]
		if it.UnreadCount <= 0 {
			continue
		}
		if open != NoConversation && id == open {
			continue
		}
		v.Items = append(v.Items, it)
	}
	v.HasUnread = len(v.Items) > 0
	return v
}
