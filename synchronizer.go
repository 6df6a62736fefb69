package stereocapture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/stereo-capture/internal/pairing"
)

// StereoSynchronizer pairs left and right frames with a latest-wins barrier.
//
// Each side holds at most one unpaired frame. A frame arriving on a side that
// already holds one replaces it and the older frame is dropped. When both
// sides hold a frame the pair is emitted and both sides are cleared in one
// critical section, so no frame is ever part of two pairs.
//
// Frames are copied on arrival since the camera reuses its buffer once the
// FrameHandler returns. The copies are recycled after the PairHandler
// returns. PairHandler calls are serialized and see Seq in increasing order.
type StereoSynchronizer struct {
	onPair  PairHandler
	barrier pairing.Barrier[*Frame]

	emitMu  sync.Mutex
	emitted *sync.Cond
	lastSeq uint64 // Seq of the last pair handed to onPair

	freeMu sync.Mutex
	free   [2][]*Frame

	consumerPanics atomic.Uint64
}

// NewStereoSynchronizer creates a synchronizer that calls onPair for every
// matched pair.
func NewStereoSynchronizer(onPair PairHandler) *StereoSynchronizer {
	if onPair == nil {
		onPair = func(StereoPair) {}
	}
	s := &StereoSynchronizer{onPair: onPair}
	s.emitted = sync.NewCond(&s.emitMu)
	return s
}

// OnLeftFrame offers a left frame. It is a FrameHandler.
func (s *StereoSynchronizer) OnLeftFrame(f Frame) { s.offer(pairing.Left, f) }

// OnRightFrame offers a right frame. It is a FrameHandler.
func (s *StereoSynchronizer) OnRightFrame(f Frame) { s.offer(pairing.Right, f) }

func (s *StereoSynchronizer) offer(side pairing.Side, f Frame) {
	owned := s.take(side)
	owned.copyFrom(f)

	out := s.barrier.Offer(side, owned)
	if out.HasDisplaced {
		slog.Debug("stereo-capture: unpaired frame replaced",
			"side", side.String(),
			"frame_id", out.Displaced.FrameID,
			"by_frame_id", owned.FrameID,
		)
		s.give(side, out.Displaced)
	}
	if !out.Paired {
		return
	}

	s.emit(StereoPair{
		Left:     *out.Left,
		Right:    *out.Right,
		Seq:      out.Seq,
		TraceID:  uuid.New().String(),
		PairedAt: time.Now(),
	})
	s.give(pairing.Left, out.Left)
	s.give(pairing.Right, out.Right)
}

// emit calls onPair once every earlier pair has been emitted. Pairs are
// numbered under the barrier lock but emitted outside it.
func (s *StereoSynchronizer) emit(p StereoPair) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for s.lastSeq+1 != p.Seq {
		s.emitted.Wait()
	}
	defer func() {
		s.lastSeq = p.Seq
		s.emitted.Broadcast()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.consumerPanics.Add(1)
			slog.Error("stereo-capture: pair handler panicked",
				"seq", p.Seq,
				"panic", r,
			)
		}
	}()
	s.onPair(p)
}

// take returns recycled frame storage for side, or a new one.
func (s *StereoSynchronizer) take(side pairing.Side) *Frame {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()

	n := len(s.free[side])
	if n == 0 {
		return &Frame{}
	}
	f := s.free[side][n-1]
	s.free[side] = s.free[side][:n-1]
	return f
}

// give returns frame storage to the free list of side.
func (s *StereoSynchronizer) give(side pairing.Side, f *Frame) {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	s.free[side] = append(s.free[side], f)
}

// Pending reports which sides hold an unpaired frame.
func (s *StereoSynchronizer) Pending() (left, right bool) {
	return s.barrier.Pending()
}

// Reset discards unpaired frames. Counters are kept.
func (s *StereoSynchronizer) Reset() {
	for _, f := range s.barrier.Reset() {
		// Storage is interchangeable; the side only bounds each free list.
		s.give(pairing.Left, f)
	}
}

// Stats returns the synchronizer counters.
func (s *StereoSynchronizer) Stats() SyncStats {
	st := s.barrier.Stats()
	left, right := s.barrier.Pending()
	return SyncStats{
		Pairs:          st.Pairs,
		LeftOffered:    st.Offered[pairing.Left],
		RightOffered:   st.Offered[pairing.Right],
		LeftDropped:    st.Dropped[pairing.Left],
		RightDropped:   st.Dropped[pairing.Right],
		LeftPending:    left,
		RightPending:   right,
		ConsumerPanics: s.consumerPanics.Load(),
	}
}
