package pipeline

import (
	"context"
	"sync"

	"github.com/railsight/railsight/internal/monitoring"
	"github.com/railsight/railsight/internal/vision"
)

// Lane is one camera's processing loop. Frames enter through a single-slot
// mailbox with newest-frame-wins semantics: if the lane is still busy with
// frame N when N+1 and N+2 arrive, N+1 is overwritten and counted dropped.
// This bounds both memory and latency when a lane falls behind; within the
// lane, frames are processed strictly one at a time, in the order the mailbox
// released them.
type Lane struct {
	Camera vision.CameraID

	orch *Orchestrator

	mu      sync.Mutex
	cond    *sync.Cond
	pending *vision.Frame
	lastSeq uint64
	stopped bool

	frameDrops   *monitoring.Counter
	reorderDrops *monitoring.Counter
	processed    int64
}

// NewLane creates a lane wired to an orchestrator.
func NewLane(camera vision.CameraID, orch *Orchestrator) *Lane {
	l := &Lane{
		Camera:       camera,
		orch:         orch,
		frameDrops:   monitoring.GetCounter("lane_frame_drops"),
		reorderDrops: monitoring.GetCounter("lane_reorder_drops"),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Offer hands a frame to the lane without blocking. An unconsumed prior
// frame is overwritten (newest wins). Out-of-order frames are rejected: the
// lane tolerates sequence gaps but not reordering.
func (l *Lane) Offer(frame *vision.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	if l.lastSeq != 0 && frame.Sequence <= l.lastSeq {
		l.reorderDrops.Inc()
		diagf("[%s] dropped out-of-order frame seq=%d (last offered %d)", l.Camera, frame.Sequence, l.lastSeq)
		return
	}
	l.lastSeq = frame.Sequence

	if l.pending != nil {
		l.frameDrops.Inc()
		tracef("[%s] lane busy, dropped intermediate frame seq=%d", l.Camera, l.pending.Sequence)
	}
	l.pending = frame
	l.cond.Signal()
}

// Run processes frames until ctx is cancelled. Cancellation abandons any
// in-flight detector call via the orchestrator's stage deadline handling and
// leaves the track table reflecting only committed updates.
func (l *Lane) Run(ctx context.Context) {
	// Wake the wait loop on cancellation.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for l.pending == nil && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		frame := l.pending
		l.pending = nil
		l.mu.Unlock()

		l.orch.ProcessFrame(ctx, frame)

		l.mu.Lock()
		l.processed++
		l.mu.Unlock()
	}
}

// Processed returns the number of frames this lane has fully processed.
func (l *Lane) Processed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed
}

// Orchestrator exposes the lane's orchestrator for snapshot reads.
func (l *Lane) Orchestrator() *Orchestrator { return l.orch }

// Manager owns one lane per camera and routes incoming frames. Lanes run
// concurrently; no mutable state is shared between them except read-only
// configuration, so cameras never block each other.
type Manager struct {
	newOrchestrator func(camera vision.CameraID) *Orchestrator

	mu    sync.RWMutex
	lanes map[vision.CameraID]*Lane

	ctx context.Context
	wg  sync.WaitGroup
}

// NewManager creates a manager that builds an orchestrator per camera with
// the supplied factory.
func NewManager(factory func(camera vision.CameraID) *Orchestrator) *Manager {
	return &Manager{
		newOrchestrator: factory,
		lanes:           make(map[vision.CameraID]*Lane),
	}
}

// Start binds the manager to a context. Lanes created afterwards run under it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Offer routes a frame to its camera's lane, creating the lane on first
// sight of a camera.
func (m *Manager) Offer(frame *vision.Frame) {
	m.mu.RLock()
	lane, ok := m.lanes[frame.CameraID]
	m.mu.RUnlock()

	if !ok {
		lane = m.spawnLane(frame.CameraID)
	}
	lane.Offer(frame)
}

func (m *Manager) spawnLane(camera vision.CameraID) *Lane {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lane, ok := m.lanes[camera]; ok {
		return lane
	}
	lane := NewLane(camera, m.newOrchestrator(camera))
	m.lanes[camera] = lane

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		lane.Run(ctx)
	}()
	diagf("[%s] lane started", camera)
	return lane
}

// Lane returns the lane for a camera, or nil if none exists yet.
func (m *Manager) Lane(camera vision.CameraID) *Lane {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lanes[camera]
}

// Cameras returns the cameras with running lanes.
func (m *Manager) Cameras() []vision.CameraID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vision.CameraID, 0, len(m.lanes))
	for id := range m.lanes {
		out = append(out, id)
	}
	return out
}

// Wait blocks until every lane has observed cancellation and exited.
func (m *Manager) Wait() { m.wg.Wait() }
