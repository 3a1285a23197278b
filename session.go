package arlens

import (
	"sync"
	"time"
)

// StaleAfter is the age at which overlay results are cleared while the device is still.
const StaleAfter = 10 * time.Second

// Mode selects what the overlay shows.
type Mode string

// Overlay modes.
const (
	ModeDetect  Mode = "detect"
	ModeCaption Mode = "caption"
)

// DetectionClasses are the object classes the user can cycle through, in order.
var DetectionClasses = []string{
	"building", "person", "car", "tree", "sign", "window", "door", "street sign",
}

// Session is the overlay state of one camera screen: the mode, the requested detection class and
// the current results. Any change of mode or class, and any device motion, clears the results.
//
// A Session is safe for concurrent use.
type Session struct {
	mapper   Mapper
	viewport Dimensions

	mu         sync.Mutex
	mode       Mode
	class      string
	rects      []DisplayRect
	caption    string
	lastResult time.Time
}

// NewSession returns a session in detect mode for the first detection class.
func NewSession(mapper Mapper, viewport Dimensions) *Session {
	return &Session{
		mapper:   mapper,
		viewport: viewport,
		mode:     ModeDetect,
		class:    DetectionClasses[0],
	}
}

// Mode is the current overlay mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Class is the currently requested detection class.
func (s *Session) Class() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class
}

// ToggleMode switches between detect and caption mode and returns the new mode.
func (s *Session) ToggleMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeDetect {
		s.mode = ModeCaption
	} else {
		s.mode = ModeDetect
	}
	s.clear()
	logger.WithField("mode", s.mode).Debug("Mode toggled")

	return s.mode
}

// CycleClass moves to the next detection class and returns it. An unknown class restarts at the
// first one.
func (s *Session) CycleClass() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0
	for i, c := range DetectionClasses {
		if c == s.class {
			next = (i + 1) % len(DetectionClasses)
			break
		}
	}
	s.class = DetectionClasses[next]
	s.clear()
	logger.WithField("class", s.class).Debug("Detection class changed")

	return s.class
}

// SetClass selects the detection class directly.
func (s *Session) SetClass(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if class != s.class {
		s.class = class
		s.clear()
	}
}

// SetDetections maps detections to the session viewport and stores the rects as the current
// result. Unlabelled detections get the session class. It returns the stored rects.
func (s *Session) SetDetections(detections []Detection, capture *Dimensions,
	now time.Time) []DisplayRect {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rects = s.mapper.MapDetections(detections, capture, s.viewport, s.class)
	s.caption = ""
	s.lastResult = now
	if dropped := len(detections) - len(s.rects); dropped > 0 {
		logger.Debugf("Dropped %d of %d detections", dropped, len(detections))
	}

	return s.copyRects()
}

// SetCaption stores caption as the current result.
func (s *Session) SetCaption(caption string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rects = nil
	s.caption = caption
	s.lastResult = now
}

// Rects returns a copy of the current display rects.
func (s *Session) Rects() []DisplayRect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyRects()
}

// Caption is the current caption.
func (s *Session) Caption() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caption
}

// OnMotion clears the results when status reports a moving device.
func (s *Session) OnMotion(status MotionStatus) {
	if status != MotionMoving {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rects) > 0 || s.caption != "" {
		logger.Debug("Movement detected, clearing the overlay")
	}
	s.clear()
}

// Expire clears results older than StaleAfter unless the device is moving. It reports whether
// anything was cleared.
func (s *Session) Expire(now time.Time, moving bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if moving || (len(s.rects) == 0 && s.caption == "") || now.Sub(s.lastResult) <= StaleAfter {
		return false
	}
	logger.Debug("Clearing stale overlay results")
	s.clear()

	return true
}

// Clear drops the current results.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *Session) clear() {
	s.rects = nil
	s.caption = ""
}

func (s *Session) copyRects() []DisplayRect {
	if s.rects == nil {
		return nil
	}
	rects := make([]DisplayRect, len(s.rects))
	copy(rects, s.rects)
	return rects
}
