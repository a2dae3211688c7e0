package thermal

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the governor, published after every
// cycle and every runtime change.
type Status struct {
	Timestamp    time.Time        `json:"ts"`
	Running      bool             `json:"running"`
	SensorID     string           `json:"sensor_id"`
	TempC        *float64         `json:"temp_c"`
	SensorError  string           `json:"sensor_error,omitempty"`
	Error        string           `json:"error,omitempty"`
	TableLoaded  bool             `json:"table_loaded"`
	Throttle     ThrottleState    `json:"throttle"`
	FloorIndex   int              `json:"floor_index"`
	HighestIndex int              `json:"highest_index"`
	MaxFreqKHz   uint64           `json:"max_freq_khz"`
	ThrottleTemp int              `json:"throttle_temp"`
	NextPollMS   int64            `json:"next_poll_ms"`
	LastAction   string           `json:"last_core_action,omitempty"`
	CoreControl  CoreControlState `json:"core_control"`
	Cycles       uint64           `json:"cycles"`
	SensorErrors uint64           `json:"sensor_errors"`
	ApplyErrors  uint64           `json:"apply_errors"`
}

// Sampled reports whether at least one temperature was read.
func (s Status) Sampled() bool {
	return s.TempC != nil
}

type subscriber struct {
	ch     chan Status
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Status, 1),
	}
}

func (s *subscriber) channel() <-chan Status {
	return s.ch
}

func (s *subscriber) send(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- status:
		return
	default:
		// Drop oldest to make room for the new status.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- status:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
