// Package queue implements the multi-file send queue as a pure reducer.
// The CLI send command drains it serially: at most one item is ever in the sending
// state, and state transitions are queued -> sending -> completed|failed,
// with failed -> queued on retry.
package queue

// Status is the lifecycle state of one queued file.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Item is one file in the queue.
type Item struct {
	ID              string
	Name            string
	Path            string
	Status          Status
	SentBytes       int64
	TotalBytes      int64
	ProgressPercent int
	Attempts        int
	ErrorMessage    string
	EnqueuedAt      int64
	UpdatedAt       int64
}

// State is the whole queue. Revision increments on every observable change,
// so consumers can cheaply detect updates.
type State struct {
	Items    []Item
	Revision int64
}

// Action mutates the queue through Reduce.
type Action interface{ isAction() }

type Enqueue struct {
	ID         string
	Name       string
	Path       string
	TotalBytes int64
	Now        int64
}

type MarkSending struct {
	ID  string
	Now int64
}

type UpdateProgress struct {
	ID        string
	SentBytes int64
	Now       int64
}

type MarkCompleted struct {
	ID  string
	Now int64
}

type MarkFailed struct {
	ID      string
	Message string
	Now     int64
}

type Retry struct {
	ID  string
	Now int64
}

type Remove struct {
	ID string
}

type ClearCompleted struct{}

type Reset struct{}

func (Enqueue) isAction()        {}
func (MarkSending) isAction()    {}
func (UpdateProgress) isAction() {}
func (MarkCompleted) isAction()  {}
func (MarkFailed) isAction()     {}
func (Retry) isAction()          {}
func (Remove) isAction()         {}
func (ClearCompleted) isAction() {}
func (Reset) isAction()          {}

// Reduce applies an action and returns the next state. The input state is
// never mutated; an action with no observable effect returns the input
// unchanged, revision included.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case Enqueue:
		next := clone(s)
		next.Items = append(next.Items, Item{
			ID:         act.ID,
			Name:       act.Name,
			Path:       act.Path,
			Status:     StatusQueued,
			TotalBytes: act.TotalBytes,
			EnqueuedAt: act.Now,
			UpdatedAt:  act.Now,
		})
		return bump(next)

	case MarkSending:
		i := index(s, act.ID)
		if i < 0 || s.Items[i].Status == StatusSending {
			return s
		}
		next := clone(s)
		// Only one item may be sending; demote any stragglers.
		for j := range next.Items {
			if next.Items[j].Status == StatusSending {
				next.Items[j].Status = StatusQueued
				next.Items[j].UpdatedAt = act.Now
			}
		}
		it := &next.Items[i]
		it.Status = StatusSending
		it.Attempts++
		it.ErrorMessage = ""
		it.UpdatedAt = act.Now
		return bump(next)

	case UpdateProgress:
		i := index(s, act.ID)
		if i < 0 || s.Items[i].Status != StatusSending {
			return s
		}
		sent := act.SentBytes
		if sent < 0 {
			sent = 0
		}
		if sent > s.Items[i].TotalBytes {
			sent = s.Items[i].TotalBytes
		}
		if sent == s.Items[i].SentBytes {
			return s
		}
		next := clone(s)
		it := &next.Items[i]
		it.SentBytes = sent
		it.ProgressPercent = percent(sent, it.TotalBytes)
		it.UpdatedAt = act.Now
		return bump(next)

	case MarkCompleted:
		i := index(s, act.ID)
		if i < 0 || s.Items[i].Status == StatusCompleted {
			return s
		}
		next := clone(s)
		it := &next.Items[i]
		it.Status = StatusCompleted
		it.SentBytes = it.TotalBytes
		it.ProgressPercent = 100
		it.UpdatedAt = act.Now
		return bump(next)

	case MarkFailed:
		i := index(s, act.ID)
		if i < 0 {
			return s
		}
		next := clone(s)
		it := &next.Items[i]
		it.Status = StatusFailed
		it.ErrorMessage = act.Message
		it.UpdatedAt = act.Now
		return bump(next)

	case Retry:
		i := index(s, act.ID)
		if i < 0 || s.Items[i].Status != StatusFailed {
			return s
		}
		next := clone(s)
		it := &next.Items[i]
		it.Status = StatusQueued
		it.ErrorMessage = ""
		it.SentBytes = 0
		it.ProgressPercent = 0
		it.UpdatedAt = act.Now
		return bump(next)

	case Remove:
		i := index(s, act.ID)
		if i < 0 || s.Items[i].Status == StatusSending {
			return s
		}
		next := clone(s)
		next.Items = append(next.Items[:i:i], next.Items[i+1:]...)
		return bump(next)

	case ClearCompleted:
		kept := make([]Item, 0, len(s.Items))
		for _, it := range s.Items {
			if it.Status != StatusCompleted {
				kept = append(kept, it)
			}
		}
		if len(kept) == len(s.Items) {
			return s
		}
		return bump(State{Items: kept, Revision: s.Revision})

	case Reset:
		if len(s.Items) == 0 {
			return s
		}
		return bump(State{Revision: s.Revision})
	}
	return s
}

// NextQueued returns the first queued item, in FIFO order.
func NextQueued(s State) (Item, bool) {
	for _, it := range s.Items {
		if it.Status == StatusQueued {
			return it, true
		}
	}
	return Item{}, false
}

// Sending returns the currently sending item, if any.
func Sending(s State) (Item, bool) {
	for _, it := range s.Items {
		if it.Status == StatusSending {
			return it, true
		}
	}
	return Item{}, false
}

func index(s State, id string) int {
	for i, it := range s.Items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func clone(s State) State {
	return State{Items: append([]Item(nil), s.Items...), Revision: s.Revision}
}

func bump(s State) State {
	s.Revision++
	return s
}

func percent(sent, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(sent * 100 / total)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
