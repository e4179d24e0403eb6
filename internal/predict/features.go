// Package predict resolves prediction requests against the delay history
// and assembles model feature vectors.
package predict

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scheme names a feature layout. A process runs exactly one scheme, pinned
// by the loaded model.
type Scheme string

const (
	// SchemeCategorical passes categories as integer codes from the model vocabulary.
	SchemeCategorical Scheme = "categorical"
	// SchemeTargetEncoded replaces categories with their mean historical delay.
	SchemeTargetEncoded Scheme = "target"
)

var schemeFeatures = map[Scheme][]string{
	SchemeCategorical: {
		"scheduled_mins", "day_of_week", "stop_index", "is_holiday", "is_peak",
		"service_id", "stop_name", "origin", "destination",
	},
	SchemeTargetEncoded: {
		"time_sin", "time_cos", "day_of_week", "stop_index", "is_holiday", "is_peak",
		"service_id_te", "stop_name_te", "origin_te", "destination_te",
	},
}

// Categorical features shared by both schemes, under their base names.
var CategoricalFeatures = []string{"service_id", "stop_name", "origin", "destination"}

func ParseScheme(s string) (Scheme, error) {
	sc := Scheme(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := schemeFeatures[sc]; !ok {
		return "", fmt.Errorf("unknown feature scheme %q", s)
	}
	return sc, nil
}

// Features returns the scheme's feature names in model input order.
func (s Scheme) Features() []string {
	return append([]string(nil), schemeFeatures[s]...)
}

// FeatureVector is a model input row.
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Map renders the vector by name, for logs and API responses.
func (v FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		m[n] = v.Values[i]
	}
	return m
}

// CategoryEncoder maps a categorical label to the number the model expects.
type CategoryEncoder interface {
	Encode(feature, label string) float64
}

// Inputs are the resolved values a feature vector is built from.
type Inputs struct {
	ScheduledMins int
	DayOfWeek     int
	StopIndex     int
	IsHoliday     bool
	IsPeak        bool
	ServiceID     int64
	StopName      string
	Origin        string
	Destination   string
}

// Assembler builds feature vectors for one scheme. It is immutable and safe
// for concurrent use.
type Assembler struct {
	scheme Scheme
	enc    CategoryEncoder
}

func NewAssembler(scheme Scheme, enc CategoryEncoder) (*Assembler, error) {
	if _, ok := schemeFeatures[scheme]; !ok {
		return nil, fmt.Errorf("unknown feature scheme %q", scheme)
	}
	if enc == nil {
		return nil, fmt.Errorf("scheme %s needs a category encoder", scheme)
	}
	return &Assembler{scheme: scheme, enc: enc}, nil
}

func (a *Assembler) Scheme() Scheme { return a.scheme }

func (a *Assembler) Assemble(in Inputs) FeatureVector {
	names := a.scheme.Features()
	values := make([]float64, len(names))
	labels := map[string]string{
		"service_id":  strconv.FormatInt(in.ServiceID, 10),
		"stop_name":   in.StopName,
		"origin":      in.Origin,
		"destination": in.Destination,
	}
	for i, name := range names {
		switch name {
		case "scheduled_mins":
			values[i] = float64(in.ScheduledMins)
		case "time_sin":
			values[i] = math.Sin(2 * math.Pi * float64(in.ScheduledMins) / 1440)
		case "time_cos":
			values[i] = math.Cos(2 * math.Pi * float64(in.ScheduledMins) / 1440)
		case "day_of_week":
			values[i] = float64(in.DayOfWeek)
		case "stop_index":
			values[i] = float64(in.StopIndex)
		case "is_holiday":
			values[i] = boolFloat(in.IsHoliday)
		case "is_peak":
			values[i] = boolFloat(in.IsPeak)
		default:
			base := strings.TrimSuffix(name, "_te")
			values[i] = a.enc.Encode(base, labels[base])
		}
	}
	return FeatureVector{Names: names, Values: values}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
