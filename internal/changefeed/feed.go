// Package changefeed fans job updates out to HTTP subscribers of
// GET /jobs/stream (spec §4.7). It is grounded on juju-juju's
// changestream fan-out design: per-subscriber buffered channels plus a
// coalesce step when a subscriber falls behind, so one slow reader can
// never stall the others or block the writer that pushed the update.
package changefeed

import (
	"sync"

	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// DefaultBufferSize is the per-subscriber queue depth before coalescing
// kicks in (spec §4.7: "pending queue exceeds a threshold").
const DefaultBufferSize = 64

// Feed is ChangeFeed.
type Feed struct {
	mu          sync.Mutex
	bufferSize  int
	subscribers map[int]*subscriber
	nextID      int
}

type subscriber struct {
	ch chan *job.Job
	// pending tracks, by file_stem, the slot index in the backlog slice so
	// a later update for the same job can overwrite an already-queued one
	// instead of growing the backlog (coalesce-latest-wins).
	pending map[string]int
	backlog []*job.Job
}

// New creates an empty Feed. bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Feed{bufferSize: bufferSize, subscribers: map[int]*subscriber{}}
}

// Subscribe registers a new listener and returns a channel of job updates
// plus an unsubscribe func. The channel is closed on unsubscribe.
func (f *Feed) Subscribe() (<-chan *job.Job, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	sub := &subscriber{ch: make(chan *job.Job, f.bufferSize), pending: map[string]int{}}
	f.subscribers[id] = sub

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if s, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers j to every current subscriber (spec §4.7: "per-job
// ordering preserved", "at-least-once"). A subscriber whose channel is
// full has the update coalesced: if an update for the same file_stem is
// already queued it is replaced in place; the subscriber itself drains
// and forwards the backlog as capacity frees up.
func (f *Feed) Publish(j *job.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *j
	for _, sub := range f.subscribers {
		select {
		case sub.ch <- &cp:
		default:
			sub.coalesce(&cp)
			sub.drain()
		}
	}
}

// coalesce replaces any already-backlogged update for the same file_stem,
// or appends a new backlog entry otherwise.
func (s *subscriber) coalesce(j *job.Job) {
	if idx, ok := s.pending[j.FileStem]; ok {
		s.backlog[idx] = j
		return
	}
	s.pending[j.FileStem] = len(s.backlog)
	s.backlog = append(s.backlog, j)
}

// drain pushes as much of the backlog onto ch as currently fits, without
// blocking the publisher.
func (s *subscriber) drain() {
	for len(s.backlog) > 0 {
		select {
		case s.ch <- s.backlog[0]:
			delete(s.pending, s.backlog[0].FileStem)
			s.backlog = s.backlog[1:]
			for fileStem, idx := range s.pending {
				s.pending[fileStem] = idx - 1
			}
		default:
			return
		}
	}
}
