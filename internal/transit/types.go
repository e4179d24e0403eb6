package transit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Service is a catalogue entry for one bus route.
type Service struct {
	ID          int64  `json:"id" bson:"_id"`
	Slug        string `json:"slug,omitempty" bson:"slug"`
	Number      string `json:"number" bson:"number"`
	Description string `json:"description" bson:"description"`
	Operator    string `json:"operator" bson:"operator"`
	Region      string `json:"region_id" bson:"region_id"`
	Mode        string `json:"mode" bson:"mode"`
}

// Endpoints splits the "Origin - Destination" description into its two halves.
func (s Service) Endpoints() (origin, destination string, err error) {
	parts := strings.Split(s.Description, " - ")
	if len(parts) != 2 {
		return "", "", &NotFoundError{Kind: KindDescription, Detail: fmt.Sprintf("service %d description %q is not of the form \"Origin - Destination\"", s.ID, s.Description)}
	}
	origin = strings.TrimSpace(parts[0])
	destination = strings.TrimSpace(parts[1])
	if origin == "" || destination == "" {
		return "", "", &NotFoundError{Kind: KindDescription, Detail: fmt.Sprintf("service %d description %q has an empty endpoint", s.ID, s.Description)}
	}
	return origin, destination, nil
}

// StopFact is one observed (or scheduled-only) stop visit of one journey.
// Actual times and delay are nil when the source did not report an actual time.
type StopFact struct {
	ID             string    `json:"id" bson:"_id"`
	ServiceID      int64     `json:"service_id" bson:"service_id"`
	JourneyID      string    `json:"journey_id" bson:"journey_id"`
	StopIndex      int       `json:"stop_index" bson:"stop_index"`
	StopID         string    `json:"stop_id" bson:"stop_id"`
	StopName       string    `json:"stop_name" bson:"stop_name"`
	StopKey        string    `json:"stop_key" bson:"stop_key"`
	Date           string    `json:"date" bson:"date"`
	Origin         string    `json:"origin" bson:"origin"`
	Destination    string    `json:"destination" bson:"destination"`
	DestinationKey string    `json:"destination_key" bson:"destination_key"`
	ScheduledDep   string    `json:"scheduled_dep" bson:"scheduled_dep"`
	ScheduledMins  int       `json:"scheduled_mins" bson:"scheduled_mins"`
	ActualDep      *string   `json:"actual_dep" bson:"actual_dep"`
	ActualMins     *int      `json:"actual_mins" bson:"actual_mins"`
	DelayMins      *int      `json:"delay_mins" bson:"delay_mins"`
	DayOfWeek      int       `json:"day_of_week" bson:"day_of_week"`
	IsPeak         bool      `json:"is_peak" bson:"is_peak"`
	IsHoliday      bool      `json:"is_holiday" bson:"is_holiday"`
	IngestedAt     time.Time `json:"ingested_at" bson:"ingested_at"`
}

// HasDelay reports whether the fact carries an observed delay.
func (f StopFact) HasDelay() bool { return f.DelayMins != nil }

// CanonicalName folds a stop or destination name for equality matching.
func CanonicalName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// FlexID accepts identifiers the upstream API sends either as numbers or strings.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// Int64 parses the id as a decimal integer.
func (id FlexID) Int64() (int64, error) { return strconv.ParseInt(string(id), 10, 64) }

// ServiceSummary is one result of the upstream service catalogue listing.
type ServiceSummary struct {
	ID          int64    `json:"id"`
	Slug        string   `json:"slug"`
	LineName    string   `json:"line_name"`
	Description string   `json:"description"`
	RegionID    string   `json:"region_id"`
	Mode        string   `json:"mode"`
	Operators   []string `json:"operator"`
}

// JourneySummary is one result of the per-service journey listing.
type JourneySummary struct {
	ID       FlexID `json:"id"`
	Datetime string `json:"datetime"`
}

// JourneyDetail is the ordered stop list of one journey.
type JourneyDetail struct {
	ID       FlexID      `json:"id"`
	Datetime string      `json:"datetime"`
	Stops    []StopVisit `json:"stops"`
}

// StopVisit is a single stop of a journey as reported upstream.
// Times are empty when the source omitted them.
type StopVisit struct {
	ID              FlexID
	Name            string
	AimedDeparture  string
	AimedArrival    string
	ActualDeparture string
	ActualArrival   string
}

// ScheduledText returns the aimed departure, falling back to the aimed arrival.
func (v StopVisit) ScheduledText() string {
	return firstNonEmpty(v.AimedDeparture, v.AimedArrival)
}

// ActualText returns the actual departure, falling back to the actual arrival.
func (v StopVisit) ActualText() string {
	return firstNonEmpty(v.ActualDeparture, v.ActualArrival)
}

// UnmarshalJSON accepts both the snake_case API fields and the camelCase
// variants embedded in some service pages.
func (v *StopVisit) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID                   FlexID  `json:"id"`
		Name                 string  `json:"name"`
		AimedDepartureTime   *string `json:"aimed_departure_time"`
		AimedArrivalTime     *string `json:"aimed_arrival_time"`
		ActualDepartureTime  *string `json:"actual_departure_time"`
		ActualArrivalTime    *string `json:"actual_arrival_time"`
		AimedDepartureCamel  *string `json:"aimedDepartureTime"`
		AimedArrivalCamel    *string `json:"aimedArrivalTime"`
		ActualDepartureCamel *string `json:"actualDepartureTime"`
		ActualArrivalCamel   *string `json:"actualArrivalTime"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = StopVisit{
		ID:              raw.ID,
		Name:            strings.TrimSpace(raw.Name),
		AimedDeparture:  deref(raw.AimedDepartureTime, raw.AimedDepartureCamel),
		AimedArrival:    deref(raw.AimedArrivalTime, raw.AimedArrivalCamel),
		ActualDeparture: deref(raw.ActualDepartureTime, raw.ActualDepartureCamel),
		ActualArrival:   deref(raw.ActualArrivalTime, raw.ActualArrivalCamel),
	}
	return nil
}

func deref(ptrs ...*string) string {
	for _, p := range ptrs {
		if p != nil && strings.TrimSpace(*p) != "" {
			return strings.TrimSpace(*p)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// PredictionRequest is the user-facing query for a delay prediction.
type PredictionRequest struct {
	ServiceID   int64  `json:"service_id" binding:"required"`
	StopName    string `json:"stop_name" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	Date        string `json:"date" binding:"required"`
	Time        string `json:"time" binding:"required"`
}
