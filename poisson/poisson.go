// poisson.go - Exponentially distributed delays and Poisson timers.
// Copyright (C) 2018  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package poisson provides samplers for exponentially distributed delays,
// and timers whose successive firings form a Poisson process.
package poisson

import (
	"errors"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// DefaultMaxFactor is the multiple of the average used to clamp samples
// when a Descriptor has no explicit maximum.
const DefaultMaxFactor = 10

var errInvalidAverage = errors.New("poisson: average delay must be positive")

// Descriptor describes an exponential delay distribution.
type Descriptor struct {
	// Average is the mean delay, the inverse of the process rate.
	Average time.Duration

	// Max clamps every sample.  Zero selects DefaultMaxFactor * Average.
	Max time.Duration
}

// Validate returns an error if the descriptor can not be sampled.
func (d *Descriptor) Validate() error {
	if d.Average <= 0 {
		return errInvalidAverage
	}
	if d.Max < 0 {
		return errors.New("poisson: negative maximum delay")
	}
	return nil
}

func (d *Descriptor) max() time.Duration {
	if d.Max == 0 {
		return DefaultMaxFactor * d.Average
	}
	return d.Max
}

// Sampler draws delays from a Descriptor.  It is safe for concurrent use.
type Sampler struct {
	sync.Mutex

	rng  *mrand.Rand
	desc Descriptor
}

// NewSampler returns a Sampler for the given descriptor.
func NewSampler(desc Descriptor) (*Sampler, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		rng:  rand.NewMath(),
		desc: desc,
	}, nil
}

// Descriptor returns the sampler's distribution.
func (s *Sampler) Descriptor() Descriptor {
	s.Lock()
	defer s.Unlock()
	return s.desc
}

// Next returns the next delay: sample, then clamp.
func (s *Sampler) Next() time.Duration {
	s.Lock()
	defer s.Unlock()

	// rand.Exp samples in milliseconds, lambda is per millisecond.
	lambda := float64(time.Millisecond) / float64(s.desc.Average)
	wakeMsec := rand.Exp(s.rng, lambda)
	d := time.Duration(wakeMsec * float64(time.Millisecond))
	if max := s.desc.max(); d > max {
		d = max
	}
	return d
}

// NextMillis returns the next delay in whole milliseconds, as carried by
// per hop delay commands.
func (s *Sampler) NextMillis() uint32 {
	ms := s.Next().Milliseconds()
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

// Timer is used to produce channel events after delays selected from a
// Poisson process.
type Timer struct {
	timer   *time.Timer
	sampler *Sampler
}

// NewTimer is used to create a new Timer.  A subsequent call to the Start
// method is used to activate the timer.
func NewTimer(desc Descriptor) (*Timer, error) {
	s, err := NewSampler(desc)
	if err != nil {
		return nil, err
	}
	return &Timer{sampler: s}, nil
}

// Start is used to initialize and start the timer after timer creation.
func (t *Timer) Start() {
	t.timer = time.NewTimer(t.sampler.Next())
}

// C returns the channel on which the timer fires.
func (t *Timer) C() <-chan time.Time {
	return t.timer.C
}

// Next resets the timer to the next Poisson process value.
// This MUST NOT be called unless the timer has fired.
func (t *Timer) Next() {
	t.timer.Reset(t.sampler.Next())
}

// Stop stops the timer.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
