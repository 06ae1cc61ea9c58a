package ingress

import (
	"time"

	"golang.org/x/time/rate"
)

// audioLimiter caps inbound audio by frames and bytes per second. A frame is
// admitted only if both budgets have room; a rejected frame consumes neither.
type audioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *audioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	l := &audioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

func (l *audioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	t := l.now()
	frame, ok := reserve(l.frames, t, 1)
	if !ok {
		return false
	}
	if _, ok := reserve(l.bytes, t, frameBytes); !ok {
		if frame != nil {
			frame.CancelAt(t)
		}
		return false
	}
	return true
}

// reserve takes n tokens at t, or nothing if they are not available now.
func reserve(lim *rate.Limiter, t time.Time, n int) (*rate.Reservation, bool) {
	if lim == nil {
		return nil, true
	}
	r := lim.ReserveN(t, n)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(t) > 0 {
		r.CancelAt(t)
		return nil, false
	}
	return r, true
}
