package aggregate

import (
	"fmt"
	"time"

	"github.com/vnmchuo/costops/internal/usage"
)

type Granularity string

const (
	Hourly  Granularity = "hourly"
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// Truncate maps t to the start of its UTC bucket. Weeks start on Monday.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hourly:
		return t.Truncate(time.Hour)
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func (g Granularity) Valid() bool {
	switch g {
	case Hourly, Daily, Weekly, Monthly:
		return true
	}
	return false
}

type Dimension string

const (
	DimOrganization Dimension = "organization_id"
	DimProvider     Dimension = "provider"
	DimModel        Dimension = "model"
	DimProject      Dimension = "project_id"
	DimEnvironment  Dimension = "environment"
)

func (d Dimension) value(r *usage.StoredRecord) string {
	switch d {
	case DimOrganization:
		return r.OrganizationID
	case DimProvider:
		return r.Provider
	case DimModel:
		return r.Model
	case DimProject:
		return r.ProjectID
	case DimEnvironment:
		return r.Environment
	}
	return ""
}

func (d Dimension) Valid() bool {
	switch d {
	case DimOrganization, DimProvider, DimModel, DimProject, DimEnvironment:
		return true
	}
	return false
}

// Query asks for usage in [Start, End) matching the filter fields, grouped
// by GroupBy and bucketed by Granularity.
type Query struct {
	Start          time.Time
	End            time.Time
	OrganizationID string
	Provider       string
	Model          string
	ProjectID      string
	Environment    string
	GroupBy        []Dimension
	Granularity    Granularity
}

// QueryError reports an unanswerable query.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string { return "invalid query: " + e.Reason }

func (q *Query) Validate() error {
	if q.Start.IsZero() || q.End.IsZero() {
		return &QueryError{Reason: "start and end are required"}
	}
	if !q.Start.Before(q.End) {
		return &QueryError{Reason: "start must be before end"}
	}
	if q.Granularity == "" {
		q.Granularity = Daily
	}
	if !q.Granularity.Valid() {
		return &QueryError{Reason: fmt.Sprintf("unknown granularity %q", q.Granularity)}
	}
	seen := make(map[Dimension]bool)
	for _, d := range q.GroupBy {
		if !d.Valid() {
			return &QueryError{Reason: fmt.Sprintf("unknown group_by dimension %q", d)}
		}
		if seen[d] {
			return &QueryError{Reason: fmt.Sprintf("group_by dimension %q repeated", d)}
		}
		seen[d] = true
	}
	return nil
}

func (q *Query) filter(start, end time.Time) usage.Filter {
	return usage.Filter{
		OrganizationID: q.OrganizationID,
		Provider:       q.Provider,
		Model:          q.Model,
		ProjectID:      q.ProjectID,
		Environment:    q.Environment,
		Start:          start,
		End:            end,
	}
}
