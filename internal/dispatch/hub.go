package dispatch

import (
	"sync"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
)

// ReportHub fans tick reports out to websocket subscribers. A small replay
// buffer lets a client that connects between ticks see the latest ones.
type ReportHub struct {
	mu        sync.RWMutex
	subs      map[chan model.TickReport]struct{}
	replay    []model.TickReport
	maxReplay int
}

func NewReportHub(maxReplay int) *ReportHub {
	if maxReplay <= 0 {
		maxReplay = 20
	}
	return &ReportHub{subs: map[chan model.TickReport]struct{}{}, maxReplay: maxReplay}
}

// Subscribe returns a channel pre-filled with the replay buffer and a cancel func.
func (h *ReportHub) Subscribe() (<-chan model.TickReport, func()) {
	ch := make(chan model.TickReport, h.maxReplay+16)

	h.mu.Lock()
	for _, rep := range h.replay {
		ch <- rep
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *ReportHub) Publish(rep model.TickReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay = append(h.replay, rep)
	if len(h.replay) > h.maxReplay {
		h.replay = h.replay[len(h.replay)-h.maxReplay:]
	}
	for ch := range h.subs {
		select {
		case ch <- rep:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *ReportHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
