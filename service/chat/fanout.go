package chat

import (
	"sync"

	"deskchat/logger"
	"deskchat/service/metrics"
	"deskchat/tools/safe"

	"go.uber.org/zap"
)

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout pushes one payload to many clients from a small worker pool.
type Fanout struct {
	jobs   chan fanoutJob
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	f.wg.Add(workers)
	for i := 0; i < workers; i++ {
		safe.SafeGo("ws-fanout", func() {
			defer f.wg.Done()
			for job := range f.jobs {
				for _, c := range job.conns {
					if !c.Enqueue(job.payload) {
						// 慢客户端：丢弃，靠 pageMessages 追赶
						metrics.WsDroppedTotal.Inc()
						logger.Debug("[WS] drop frame for slow client", zap.String("connId", c.ConnID), zap.String("userId", c.UserID))
					}
				}
			}
		})
	}
	return f
}

// Broadcast queues a delivery. It blocks only while the job queue is full.
func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.jobs <- fanoutJob{conns: conns, payload: payload}
}

// Close drains queued jobs and stops the workers.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.jobs)
	f.mu.Unlock()
	f.wg.Wait()
}
