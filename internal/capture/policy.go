package capture

import (
	"fmt"
	"math"
	"time"
)

// LatencyMode trades queue depth against latency.
type LatencyMode uint8

// Latency modes.
const (
	LatencyAuto LatencyMode = iota
	LatencyLowest
	LatencySmoothest
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyAuto:
		return "auto"
	case LatencyLowest:
		return "lowestLatency"
	case LatencySmoothest:
		return "smoothest"
	default:
		return fmt.Sprintf("LatencyMode(%d)", uint8(m))
	}
}

// ParseLatencyMode parses the String form of a LatencyMode.
func ParseLatencyMode(s string) (LatencyMode, error) {
	switch s {
	case "", "auto":
		return LatencyAuto, nil
	case "lowestLatency", "lowest":
		return LatencyLowest, nil
	case "smoothest":
		return LatencySmoothest, nil
	}
	return LatencyAuto, fmt.Errorf("unknown latency mode %q", s)
}

// Target is what is being captured.
type Target uint8

// Capture targets.
const (
	TargetWindow Target = iota
	TargetDisplay
)

func (t Target) String() string {
	if t == TargetDisplay {
		return "display"
	}
	return "window"
}

// ParseTarget parses the String form of a Target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "window", "":
		return TargetWindow, nil
	case "display":
		return TargetDisplay, nil
	}
	return TargetWindow, fmt.Errorf("unknown capture target %q", s)
}

// Settings describe a capture session.
type Settings struct {
	Width     int
	Height    int
	FrameRate int
	Latency   LatencyMode
	Target    Target
}

// PixelCount returns Width*Height.
func (s Settings) PixelCount() int { return s.Width * s.Height }

// Pixel counts above which queue depth is reduced to bound memory.
const (
	pixels4K = 3840 * 2160
	pixels5K = 5120 * 2880
)

const (
	minQueueDepth = 1
	maxQueueDepth = 8
)

// QueueDepth returns how many captured frames may wait for the encoder.
// The result is in [1, 8].
func QueueDepth(s Settings) int {
	var depth int
	switch s.Latency {
	case LatencyLowest:
		depth = 2
	case LatencySmoothest:
		depth = 5
	default:
		depth = 4
	}

	if s.FrameRate >= 120 {
		depth++
	}

	switch px := s.PixelCount(); {
	case px >= pixels5K:
		depth -= 2
	case px >= pixels4K:
		depth--
	}

	return min(max(depth, minQueueDepth), maxQueueDepth)
}

// BufferPoolMinimum returns the minimum number of capture surfaces the
// platform source must keep: every queued frame, one being filled and one
// held by the encoder.
func BufferPoolMinimum(s Settings) int {
	n := QueueDepth(s) + 2
	if s.Latency != LatencyLowest && s.FrameRate >= 120 {
		n++
	}
	return n
}

// StallPolicy holds the stall thresholds for one capture target.
type StallPolicy struct {
	// SoftStall is the frame gap after which the session is marked stalling.
	SoftStall time.Duration
	// HardRestart is the frame gap after which a restart is scheduled.
	HardRestart time.Duration
	// Debounce delays a scheduled restart so a self-recovering source can
	// cancel it.
	Debounce time.Duration
	// CancelGrace aborts a due restart if a frame arrived this recently.
	CancelGrace time.Duration
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// StallPolicyFor returns thresholds for a target at a frame rate. Higher
// frame rates give tighter thresholds. Display capture tolerates longer gaps
// than window capture.
func StallPolicyFor(t Target, fps int) StallPolicy {
	iv := frameInterval(fps)
	if t == TargetDisplay {
		soft := clampDuration(30*iv, 250*time.Millisecond, time.Second)
		return StallPolicy{
			SoftStall:   soft,
			HardRestart: max(4*soft, 2*time.Second),
			Debounce:    750 * time.Millisecond,
			CancelGrace: 300 * time.Millisecond,
		}
	}
	soft := clampDuration(12*iv, 100*time.Millisecond, 500*time.Millisecond)
	return StallPolicy{
		SoftStall:   soft,
		HardRestart: max(3*soft, time.Second),
		Debounce:    250 * time.Millisecond,
		CancelGrace: 150 * time.Millisecond,
	}
}

// RestartPolicy controls restart spacing and escalation.
type RestartPolicy struct {
	Base                time.Duration
	Multiplier          float64
	Cap                 time.Duration
	StreakReset         time.Duration
	EscalationThreshold int
}

// DefaultRestartPolicy is 3s doubling to 18s, forgiven after 20s of
// stability, escalating on the third consecutive restart.
var DefaultRestartPolicy = RestartPolicy{
	Base:                3 * time.Second,
	Multiplier:          2,
	Cap:                 18 * time.Second,
	StreakReset:         20 * time.Second,
	EscalationThreshold: 3,
}

// Cooldown returns the minimum spacing after a restart that brought the
// streak to streak: min(Base * Multiplier^(streak-1), Cap). It is zero for
// streak < 1.
func (p RestartPolicy) Cooldown(streak int) time.Duration {
	if streak < 1 {
		return 0
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(streak-1))
	if d >= float64(p.Cap) || math.IsInf(d, 1) {
		return p.Cap
	}
	return time.Duration(d)
}

// ShouldEscalate reports whether a restart streak warrants a keyframe and
// decoder reset in addition to the capture restart.
func ShouldEscalate(streak, threshold int) bool {
	return threshold > 0 && streak >= threshold
}
