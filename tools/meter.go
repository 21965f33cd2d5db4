package tools

import (
	"math"
	"sync"
)

// VolumeMeter blends input and output levels into one smoothly moving value
// for visualizations. The louder side wins; input is boosted slightly.
type VolumeMeter struct {
	mu        sync.Mutex
	current   float64
	inputGain float64
	lerp      float64
}

func NewVolumeMeter() *VolumeMeter {
	return &VolumeMeter{inputGain: 1.5, lerp: 0.1}
}

func (m *VolumeMeter) Update(input, output float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := math.Max(input*m.inputGain, output)
	m.current += (target - m.current) * m.lerp
	return m.current
}

func (m *VolumeMeter) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
