package telemetry

import (
	"time"

	stereocapture "github.com/e7canasta/stereo-capture"
)

// CameraSnapshot is the JSON form of one camera's counters.
type CameraSnapshot struct {
	Name            string  `json:"name"`
	Capturing       bool    `json:"capturing"`
	Sessions        uint64  `json:"sessions"`
	FramesDelivered uint64  `json:"frames_delivered"`
	FramesInvalid   uint64  `json:"frames_invalid"`
	FramesMissed    uint64  `json:"frames_missed"`
	OutOfOrder      uint64  `json:"out_of_order"`
	HandlerPanics   uint64  `json:"handler_panics"`
	LifecycleErrors uint64  `json:"lifecycle_errors"`
	LastFrameID     uint64  `json:"last_frame_id"`
	FPS             float64 `json:"fps"`
}

// SyncSnapshot is the JSON form of the synchronizer counters.
type SyncSnapshot struct {
	Pairs          uint64 `json:"pairs"`
	LeftOffered    uint64 `json:"left_offered"`
	RightOffered   uint64 `json:"right_offered"`
	LeftDropped    uint64 `json:"left_dropped"`
	RightDropped   uint64 `json:"right_dropped"`
	ConsumerPanics uint64 `json:"consumer_panics"`
}

// BusSnapshot is the JSON form of one pair bus subscriber.
type BusSnapshot struct {
	Policy  string `json:"policy"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Snapshot is the message published on the stats topic.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Left      CameraSnapshot         `json:"left"`
	Right     CameraSnapshot         `json:"right"`
	Sync      SyncSnapshot           `json:"sync"`
	Bus       map[string]BusSnapshot `json:"bus,omitempty"`
}

// NewSnapshot converts rig statistics taken at now.
func NewSnapshot(s stereocapture.RigStats, now time.Time) Snapshot {
	snap := Snapshot{
		Timestamp: now.UTC(),
		Left:      cameraSnapshot(s.Left),
		Right:     cameraSnapshot(s.Right),
		Sync: SyncSnapshot{
			Pairs:          s.Sync.Pairs,
			LeftOffered:    s.Sync.LeftOffered,
			RightOffered:   s.Sync.RightOffered,
			LeftDropped:    s.Sync.LeftDropped,
			RightDropped:   s.Sync.RightDropped,
			ConsumerPanics: s.Sync.ConsumerPanics,
		},
	}
	if s.Bus != nil {
		snap.Bus = make(map[string]BusSnapshot, len(s.Bus.Subscribers))
		for id, sub := range s.Bus.Subscribers {
			snap.Bus[id] = BusSnapshot{Policy: sub.Policy.String(), Sent: sub.Sent, Dropped: sub.Dropped}
		}
	}
	return snap
}

func cameraSnapshot(c stereocapture.CameraStats) CameraSnapshot {
	return CameraSnapshot{
		Name:            c.Name,
		Capturing:       c.Capturing,
		Sessions:        c.Sessions,
		FramesDelivered: c.FramesDelivered,
		FramesInvalid:   c.FramesInvalid,
		FramesMissed:    c.FramesMissed,
		OutOfOrder:      c.OutOfOrder,
		HandlerPanics:   c.HandlerPanics,
		LifecycleErrors: c.LifecycleErrors,
		LastFrameID:     c.LastFrameID,
		FPS:             c.FPS,
	}
}
