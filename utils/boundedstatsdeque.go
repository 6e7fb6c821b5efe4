// Copyright (c) 2021 KarstDB
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package utils

import (
	"math"
	"sync"

	"gopkg.in/karalabe/cookiejar.v1/collections/deque"
)

// BoundedStatsDeque keeps a sliding window of samples and derives basic
// statistics from it. Used for per-CF read and write latency tracking.
type BoundedStatsDeque struct {
	size int
	mu   sync.Mutex
	d    *deque.Deque
}

// NewBoundedStatsDeque returns a window holding at most size samples.
func NewBoundedStatsDeque(size int) *BoundedStatsDeque {
	b := &BoundedStatsDeque{}
	b.size = size
	b.d = deque.New()
	return b
}

// Size returns the current number of samples.
func (p *BoundedStatsDeque) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.d.Size()
}

// Clear drops all samples.
func (p *BoundedStatsDeque) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d.Reset()
}

// Add records a sample, evicting the oldest when the window is full.
func (p *BoundedStatsDeque) Add(o float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == p.d.Size() {
		p.d.PopLeft()
	}
	p.d.PushRight(o)
}

// Sum totals the window.
func (p *BoundedStatsDeque) Sum() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sumLocked()
}

func (p *BoundedStatsDeque) sumLocked() float64 {
	sum := float64(0)
	r := deque.New()
	for !p.d.Empty() {
		interval := p.d.PopLeft()
		sum += interval.(float64)
		r.PushRight(interval)
	}
	p.d = r
	return sum
}

// Mean averages the window; 0 on an empty window.
func (p *BoundedStatsDeque) Mean() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.d.Size() == 0 {
		return 0
	}
	return p.sumLocked() / float64(p.d.Size())
}

// Variance is the mean squared deviation of the window.
func (p *BoundedStatsDeque) Variance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.d.Size()
	if n == 0 {
		return 0
	}
	mean := p.sumLocked() / float64(n)
	res := float64(0)
	r := deque.New()
	for !p.d.Empty() {
		interval := p.d.PopLeft()
		v := interval.(float64) - mean
		res += v * v
		r.PushRight(interval)
	}
	p.d = r
	return res / float64(n)
}

// Stdev is the standard deviation of the window.
func (p *BoundedStatsDeque) Stdev() float64 {
	return math.Sqrt(p.Variance())
}
