// Package interp smooths remote participants' poses between sync updates.
// Renderers call Tracker.Step once per frame; the presence store only ever
// exposes the latest dispatched target.
package interp

import (
	"math"
	"time"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/internal/presence"
)

func Lerp(a, b models.Vec3, t float64) models.Vec3 {
	return models.Vec3{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
		a[2] + (b[2]-a[2])*t,
	}
}

// Slerp interpolates along the shortest arc between a and b. The result is
// normalized.
func Slerp(a, b models.Quat, t float64) models.Quat {
	a, b = a.Normalize(), b.Normalize()

	dot := a[0]*b[0] + a[1]*b[1] + a[2]*b[2] + a[3]*b[3]
	if dot < 0 {
		b = models.Quat{-b[0], -b[1], -b[2], -b[3]}
		dot = -dot
	}

	// Nearly parallel: fall back to normalized lerp.
	if dot > 0.9995 {
		return models.Quat{
			a[0] + (b[0]-a[0])*t,
			a[1] + (b[1]-a[1])*t,
			a[2] + (b[2]-a[2])*t,
			a[3] + (b[3]-a[3])*t,
		}.Normalize()
	}

	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return models.Quat{
		wa*a[0] + wb*b[0],
		wa*a[1] + wb*b[1],
		wa*a[2] + wb*b[2],
		wa*a[3] + wb*b[3],
	}.Normalize()
}

// RateFor returns the per-frame blend factor that closes most of the gap to
// a target within delay. A non-positive delay snaps.
func RateFor(frame, delay time.Duration) float64 {
	if delay <= 0 || frame >= delay {
		return 1
	}
	if frame <= 0 {
		return 0
	}
	return 1 - math.Exp(-3*float64(frame)/float64(delay))
}

// Follower blends a pose toward the latest target by a fixed fraction each
// frame.
type Follower struct {
	Rate    float64
	current presence.Transform
	started bool
}

func NewFollower(rate float64) *Follower {
	return &Follower{Rate: rate}
}

// Step advances one frame toward target. The first step snaps to target.
func (f *Follower) Step(target presence.Transform) presence.Transform {
	if !f.started {
		f.current = presence.Transform{Position: target.Position, Rotation: target.Rotation.Normalize()}
		f.started = true
		return f.current
	}
	f.current = presence.Transform{
		Position: Lerp(f.current.Position, target.Position, f.Rate),
		Rotation: Slerp(f.current.Rotation, target.Rotation, f.Rate),
	}
	return f.current
}

func (f *Follower) Current() (presence.Transform, bool) {
	return f.current, f.started
}

// Tracker keeps one Follower per remote participant.
type Tracker struct {
	reader    presence.Reader
	rate      float64
	followers map[string]*Follower
}

func NewTracker(reader presence.Reader, rate float64) *Tracker {
	return &Tracker{
		reader:    reader,
		rate:      rate,
		followers: make(map[string]*Follower),
	}
}

// Step advances every remote participant by one frame and returns their
// smoothed transforms. The local participant is not tracked; followers of
// users who left are discarded.
func (t *Tracker) Step() map[string]presence.Transform {
	out := make(map[string]presence.Transform)
	local := t.reader.LocalID()
	for _, u := range t.reader.Users() {
		if u.ID == local {
			continue
		}
		f, ok := t.followers[u.ID]
		if !ok {
			f = NewFollower(t.rate)
			t.followers[u.ID] = f
		}
		out[u.ID] = f.Step(presence.Transform{Position: u.Position, Rotation: u.Rotation})
	}
	for id := range t.followers {
		if _, ok := out[id]; !ok {
			delete(t.followers, id)
		}
	}
	return out
}
