package department

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/pkg/soql"
)

// QueryClient runs statements against the remote query service.
type QueryClient interface {
	Query(ctx context.Context, statement string) (json.RawMessage, error)
}

// activeFilter excludes patients who no longer occupy a bed.
var activeFilter = "Status__c != " + soql.MustLiteral("Discharged")

const unassigned = "Unassigned"

type Service struct {
	client     QueryClient
	capacities Capacities
}

func NewService(client QueryClient, capacities Capacities) *Service {
	if capacities == nil {
		capacities = NewCapacities(nil)
	}
	return &Service{client: client, capacities: capacities}
}

// Count is the number of active patients in one department.
type Count struct {
	Department string `json:"department"`
	Count      int    `json:"count"`
}

// Occupancy summarises one department.
type Occupancy struct {
	Department           string           `json:"department"`
	ActivePatients       int              `json:"activePatients"`
	ByPriority           map[Priority]int `json:"byPriority"`
	Capacity             int              `json:"capacity"`
	AvailableBeds        int              `json:"availableBeds"`
	OccupancyRate        float64          `json:"occupancyRate"`
	EstimatedWaitMinutes map[Priority]int `json:"estimatedWaitMinutes"`
}

// Totals aggregates every department in a metrics response.
type Totals struct {
	ActivePatients int     `json:"activePatients"`
	Capacity       int     `json:"capacity"`
	OccupancyRate  float64 `json:"occupancyRate"`
}

type Metrics struct {
	Departments []Occupancy `json:"departments"`
	Totals      Totals      `json:"totals"`
}

func departmentLiteral(name string) (string, error) {
	lit, err := soql.Literal(name)
	if err != nil {
		if errors.Is(err, soql.ErrEmptyLiteral) {
			return "", apperr.Validation("department is required")
		}
		return "", apperr.Validation("department contains invalid characters")
	}
	return lit, nil
}

// CountQuery builds the active-patient count statement for a department.
func CountQuery(department string) (string, error) {
	lit, err := departmentLiteral(department)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT() FROM Patient__c WHERE Department__c = %s AND %s", lit, activeFilter), nil
}

// MetricsQuery builds the grouped count statement. An empty department
// covers the whole hospital.
func MetricsQuery(department string) (string, error) {
	where := activeFilter
	if strings.TrimSpace(department) != "" {
		lit, err := departmentLiteral(department)
		if err != nil {
			return "", err
		}
		where = fmt.Sprintf("Department__c = %s AND %s", lit, activeFilter)
	}
	return "SELECT Department__c, Priority__c, COUNT(Id) total FROM Patient__c WHERE " + where +
		" GROUP BY Department__c, Priority__c", nil
}

func (s *Service) Count(ctx context.Context, department string) (*Count, error) {
	stmt, err := CountQuery(department)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var result struct {
		TotalSize int `json:"totalSize"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.Remote("unexpected count response", err)
	}
	return &Count{Department: strings.TrimSpace(department), Count: result.TotalSize}, nil
}

type aggregateRow struct {
	Department *string `json:"Department__c"`
	Priority   *string `json:"Priority__c"`
	Total      int     `json:"total"`
}

func (s *Service) Metrics(ctx context.Context, department string) (*Metrics, error) {
	stmt, err := MetricsQuery(department)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var result struct {
		Records []aggregateRow `json:"records"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.Remote("unexpected metrics response", err)
	}
	return s.summarise(result.Records, strings.TrimSpace(department)), nil
}

func (s *Service) summarise(rows []aggregateRow, requested string) *Metrics {
	byDept := make(map[string]*Occupancy)
	for _, row := range rows {
		name := unassigned
		if row.Department != nil && *row.Department != "" {
			name = *row.Department
		}
		occ, ok := byDept[name]
		if !ok {
			occ = &Occupancy{Department: name, ByPriority: make(map[Priority]int)}
			byDept[name] = occ
		}
		prio := PriorityStandard
		if row.Priority != nil {
			prio = ParsePriority(*row.Priority)
		}
		occ.ByPriority[prio] += row.Total
		occ.ActivePatients += row.Total
	}
	// A filtered query with no active patients still reports the department.
	if requested != "" && len(byDept) == 0 {
		byDept[requested] = &Occupancy{Department: requested, ByPriority: make(map[Priority]int)}
	}

	m := &Metrics{Departments: make([]Occupancy, 0, len(byDept))}
	for _, occ := range byDept {
		occ.Capacity = s.capacities.For(occ.Department)
		frac := OccupancyFraction(occ.ActivePatients, occ.Capacity)
		occ.OccupancyRate = percent(occ.ActivePatients, occ.Capacity)
		if occ.Capacity > occ.ActivePatients {
			occ.AvailableBeds = occ.Capacity - occ.ActivePatients
		}
		occ.EstimatedWaitMinutes = make(map[Priority]int, len(Priorities))
		for _, p := range Priorities {
			occ.EstimatedWaitMinutes[p] = EstimateWait(frac, p)
		}

		m.Totals.ActivePatients += occ.ActivePatients
		m.Totals.Capacity += occ.Capacity
		m.Departments = append(m.Departments, *occ)
	}
	sort.Slice(m.Departments, func(i, j int) bool {
		return m.Departments[i].Department < m.Departments[j].Department
	})
	m.Totals.OccupancyRate = percent(m.Totals.ActivePatients, m.Totals.Capacity)
	return m
}

// percent returns occupied/capacity as a percentage with one decimal.
func percent(occupied, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(float64(occupied)/float64(capacity)*1000) / 10
}
