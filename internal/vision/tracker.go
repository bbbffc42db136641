package vision

import (
	"sort"
	"sync"
)

// TrackState is the lifecycle state of a track.
type TrackState string

const (
	TrackNew       TrackState = "new"       // created this window, awaiting confirmation
	TrackConfirmed TrackState = "confirmed" // matched for the configured consecutive frames
	TrackStale     TrackState = "stale"     // unmatched in the most recent frame(s)
	TrackEvicted   TrackState = "evicted"   // removed after consecutive misses; slot recycled
)

// TrackerConfig holds configuration for a per-camera tracker.
type TrackerConfig struct {
	IoUThreshold        float64 // minimum IoU for detection-to-track matching
	ConfirmFrames       int     // consecutive matches needed for confirmation
	StaleEvictionFrames int     // consecutive misses before eviction
	MaxTracks           int     // track table capacity
	HistoryLen          int     // bounding box ring buffer length per track
}

// DefaultTrackerConfig returns the default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IoUThreshold:        0.3,
		ConfirmFrames:       2,
		StaleEvictionFrames: 10,
		MaxTracks:           64,
		HistoryLen:          32,
	}
}

// trackSlot is one entry in the tracker's arena. Slots are dense and
// recycled on eviction so frequent create/evict cycles do not churn the
// allocator; TrackID carries identity, the slot index does not.
type trackSlot struct {
	inUse bool

	trackID   int64
	state     TrackState
	confirmed bool // sticky: survives confirmed -> stale -> re-match

	hits   int // consecutive matches
	misses int // consecutive misses

	firstSeq    uint64
	lastSeenSeq uint64

	box     Rect
	history []Rect // ring buffer, len == HistoryLen once full
	histPos int
}

// TrackedWagon is an immutable snapshot of one track, as exposed to the
// pipeline result, persistence, and the API.
type TrackedWagon struct {
	TrackID     int64      `json:"track_id"`
	CameraID    CameraID   `json:"camera_id"`
	State       TrackState `json:"state"`
	Confirmed   bool       `json:"confirmed"`
	Box         Rect       `json:"box"`
	FirstSeq    uint64     `json:"first_seq"`
	LastSeenSeq uint64     `json:"last_seen_seq"`
	Misses      int        `json:"misses"`
}

// TrackerStats aggregates lifetime counters for a tracker.
type TrackerStats struct {
	Created         int64 `json:"created"`
	Evicted         int64 `json:"evicted"`
	WagonCount      int64 `json:"wagon_count"`
	ActiveTracks    int   `json:"active_tracks"`
	ConfirmedActive int   `json:"confirmed_active"`
}

// UpdateOutcome reports the effect of one tracker update.
type UpdateOutcome struct {
	// TrackIDs[i] is the track matched to (or created for) detections[i].
	TrackIDs []int64
	// NewlyConfirmed lists tracks that reached CONFIRMED on this frame.
	// Each appears exactly once over a track's lifetime; this is the
	// counting event.
	NewlyConfirmed []int64
}

// Tracker maintains wagon identities for a single camera using greedy IoU
// association over an arena of track slots. The table is owned by one camera
// lane; the mutex only guards concurrent snapshot reads from the API.
type Tracker struct {
	Camera CameraID
	Config TrackerConfig

	mu    sync.RWMutex
	slots []trackSlot
	free  []int // recycled slot indices

	nextTrackID int64
	created     int64
	evicted     int64
	wagonCount  int64
}

// NewTracker creates a tracker for one camera.
func NewTracker(camera CameraID, config TrackerConfig) *Tracker {
	return &Tracker{
		Camera:      camera,
		Config:      config,
		slots:       make([]trackSlot, 0, config.MaxTracks),
		nextTrackID: 1,
	}
}

// iouPair is a candidate association between a detection and a track slot.
type iouPair struct {
	det  int
	slot int
	iou  float64
}

// Update associates a frame's detections with the track table and advances
// every track's lifecycle. seq is the frame's sequence number; calls must be
// in capture order.
func (t *Tracker) Update(detections []Detection, seq uint64) UpdateOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome := UpdateOutcome{TrackIDs: make([]int64, len(detections))}
	for i := range outcome.TrackIDs {
		outcome.TrackIDs[i] = -1
	}

	// Pairwise IoU against every active track's last box, gated by the
	// match threshold.
	var pairs []iouPair
	for si := range t.slots {
		if !t.slots[si].inUse {
			continue
		}
		for di := range detections {
			if iou := IoU(detections[di].Box, t.slots[si].box); iou >= t.Config.IoUThreshold {
				pairs = append(pairs, iouPair{det: di, slot: si, iou: iou})
			}
		}
	}

	// Greedy assignment in descending IoU order; each track and each
	// detection used at most once. Ties broken by detection order for
	// determinism.
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	detUsed := make([]bool, len(detections))
	slotUsed := make(map[int]bool, len(t.slots))
	for _, p := range pairs {
		if detUsed[p.det] || slotUsed[p.slot] {
			continue
		}
		detUsed[p.det] = true
		slotUsed[p.slot] = true

		s := &t.slots[p.slot]
		s.box = detections[p.det].Box
		s.pushHistory(detections[p.det].Box, t.Config.HistoryLen)
		s.lastSeenSeq = seq
		s.hits++
		s.misses = 0

		if !s.confirmed && s.hits >= t.Config.ConfirmFrames {
			s.confirmed = true
			t.wagonCount++
			outcome.NewlyConfirmed = append(outcome.NewlyConfirmed, s.trackID)
		}
		if s.confirmed {
			s.state = TrackConfirmed
		} else {
			s.state = TrackNew
		}
		outcome.TrackIDs[p.det] = s.trackID
	}

	// Unmatched tracks go stale; eviction after the configured run of
	// consecutive misses recycles the slot.
	for si := range t.slots {
		s := &t.slots[si]
		if !s.inUse || slotUsed[si] {
			continue
		}
		s.misses++
		s.hits = 0
		s.state = TrackStale
		if s.misses >= t.Config.StaleEvictionFrames {
			t.evictSlot(si)
		}
	}

	// Unmatched detections seed new tracks while capacity remains.
	for di := range detections {
		if detUsed[di] {
			continue
		}
		if id := t.createTrack(detections[di].Box, seq, &outcome); id >= 0 {
			outcome.TrackIDs[di] = id
		}
	}

	return outcome
}

func (s *trackSlot) pushHistory(box Rect, maxLen int) {
	if maxLen <= 0 {
		return
	}
	if len(s.history) < maxLen {
		s.history = append(s.history, box)
		return
	}
	s.history[s.histPos] = box
	s.histPos = (s.histPos + 1) % maxLen
}

func (t *Tracker) evictSlot(si int) {
	s := &t.slots[si]
	s.inUse = false
	s.state = TrackEvicted
	s.history = s.history[:0]
	s.histPos = 0
	t.free = append(t.free, si)
	t.evicted++
}

// createTrack returns the new track's ID, or -1 when the table is full.
func (t *Tracker) createTrack(box Rect, seq uint64, outcome *UpdateOutcome) int64 {
	var si int
	if n := len(t.free); n > 0 {
		si = t.free[n-1]
		t.free = t.free[:n-1]
	} else if len(t.slots) < t.Config.MaxTracks {
		t.slots = append(t.slots, trackSlot{})
		si = len(t.slots) - 1
	} else {
		return -1
	}

	id := t.nextTrackID
	t.nextTrackID++
	t.created++

	s := &t.slots[si]
	*s = trackSlot{
		inUse:       true,
		trackID:     id,
		state:       TrackNew,
		hits:        1,
		firstSeq:    seq,
		lastSeenSeq: seq,
		box:         box,
		history:     s.history, // reuse the recycled slot's backing array
	}
	s.pushHistory(box, t.Config.HistoryLen)

	// Single-frame confirmation is a valid configuration.
	if s.hits >= t.Config.ConfirmFrames {
		s.confirmed = true
		s.state = TrackConfirmed
		t.wagonCount++
		outcome.NewlyConfirmed = append(outcome.NewlyConfirmed, id)
	}
	return id
}

// ActiveTracks returns snapshots of all non-evicted tracks.
func (t *Tracker) ActiveTracks() []TrackedWagon {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrackedWagon, 0, len(t.slots))
	for si := range t.slots {
		s := &t.slots[si]
		if !s.inUse {
			continue
		}
		out = append(out, TrackedWagon{
			TrackID:     s.trackID,
			CameraID:    t.Camera,
			State:       s.state,
			Confirmed:   s.confirmed,
			Box:         s.box,
			FirstSeq:    s.firstSeq,
			LastSeenSeq: s.lastSeenSeq,
			Misses:      s.misses,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// BoxHistory returns a copy of a track's bounded box history, oldest first,
// or nil if the track is not active.
func (t *Tracker) BoxHistory(trackID int64) []Rect {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for si := range t.slots {
		s := &t.slots[si]
		if !s.inUse || s.trackID != trackID {
			continue
		}
		out := make([]Rect, 0, len(s.history))
		if len(s.history) == t.Config.HistoryLen {
			out = append(out, s.history[s.histPos:]...)
			out = append(out, s.history[:s.histPos]...)
		} else {
			out = append(out, s.history...)
		}
		return out
	}
	return nil
}

// Stats returns lifetime counters and current table occupancy.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TrackerStats{
		Created:    t.created,
		Evicted:    t.evicted,
		WagonCount: t.wagonCount,
	}
	for si := range t.slots {
		if !t.slots[si].inUse {
			continue
		}
		stats.ActiveTracks++
		if t.slots[si].confirmed {
			stats.ConfirmedActive++
		}
	}
	return stats
}

// WagonCount returns the number of wagons counted so far: each track counted
// exactly once, at the frame where it first became confirmed.
func (t *Tracker) WagonCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.wagonCount
}
