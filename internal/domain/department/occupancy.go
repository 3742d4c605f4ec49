package department

import (
	"math"
	"strings"
)

// Priority is a triage priority as stored on patient records.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// Priorities in triage order.
var Priorities = []Priority{PriorityCritical, PriorityUrgent, PriorityStandard, PriorityLow}

// baseWaitMinutes is the wait at full occupancy for a standard patient.
const baseWaitMinutes = 16.0

var priorityMultiplier = map[Priority]float64{
	PriorityCritical: 0.25,
	PriorityUrgent:   0.5,
	PriorityStandard: 1.0,
	PriorityLow:      1.5,
}

// ParsePriority maps free-form priority text to a Priority, defaulting to
// standard.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityMultiplier[p]; ok {
		return p
	}
	return PriorityStandard
}

// OccupancyFraction returns occupied/capacity clamped to [0,1]. Unknown
// capacity yields 0.
func OccupancyFraction(occupied, capacity int) float64 {
	if capacity <= 0 || occupied <= 0 {
		return 0
	}
	f := float64(occupied) / float64(capacity)
	if f > 1 {
		return 1
	}
	return f
}

// EstimateWait returns the estimated wait in whole minutes for a patient of
// the given priority at the given occupancy fraction.
func EstimateWait(fraction float64, p Priority) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	m, ok := priorityMultiplier[p]
	if !ok {
		m = priorityMultiplier[PriorityStandard]
	}
	return int(math.Round(baseWaitMinutes * fraction * m))
}

// DefaultCapacities is the licensed bed count per department.
var DefaultCapacities = map[string]int{
	"Emergency":        40,
	"ICU":              20,
	"Cardiology":       30,
	"Neurology":        20,
	"Oncology":         25,
	"Orthopedics":      25,
	"Pediatrics":       25,
	"Maternity":        20,
	"Surgery":          35,
	"General Medicine": 50,
}

// Capacities resolves bed counts. Overrides replace defaults by name.
type Capacities map[string]int

func NewCapacities(overrides map[string]int) Capacities {
	c := make(Capacities, len(DefaultCapacities)+len(overrides))
	for k, v := range DefaultCapacities {
		c[k] = v
	}
	for k, v := range overrides {
		c[k] = v
	}
	return c
}

// For returns the capacity of a department, matching names case-insensitively.
func (c Capacities) For(name string) int {
	if n, ok := c[name]; ok {
		return n
	}
	for k, v := range c {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return 0
}
