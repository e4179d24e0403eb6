package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"bus-delay-predictor/internal/history"
	"bus-delay-predictor/internal/predict"
	"bus-delay-predictor/internal/transit"
)

// Encodings maps feature -> canonical label -> mean observed delay.
type Encodings map[string]map[string]float64

// BuildEncodings computes per-category mean delays over every fact in the
// store that has an observed delay.
func BuildEncodings(ctx context.Context, store history.FactStore) (Encodings, int, error) {
	samples := make(map[string]map[string][]float64, len(predict.CategoricalFeatures))
	for _, f := range predict.CategoricalFeatures {
		samples[f] = make(map[string][]float64)
	}
	n := 0
	err := store.Each(ctx, history.Filter{OnlyDelayed: true}, func(f transit.StopFact) error {
		d := float64(*f.DelayMins)
		for feature, label := range factLabels(f) {
			samples[feature][label] = append(samples[feature][label], d)
		}
		n++
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan delayed facts: %w", err)
	}
	enc := make(Encodings, len(samples))
	for feature, byLabel := range samples {
		enc[feature] = make(map[string]float64, len(byLabel))
		for label, xs := range byLabel {
			enc[feature][label] = stat.Mean(xs, nil)
		}
	}
	return enc, n, nil
}

func factLabels(f transit.StopFact) map[string]string {
	return map[string]string{
		"service_id":  strconv.FormatInt(f.ServiceID, 10),
		"stop_name":   f.StopKey,
		"origin":      transit.CanonicalName(f.Origin),
		"destination": f.DestinationKey,
	}
}

// Lookup returns the mean delay of a label, or 0 when it was never seen.
func (e Encodings) Lookup(feature, label string) float64 {
	return e[feature][transit.CanonicalName(label)]
}

func LoadEncodings(path string) (Encodings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Encodings
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return e, nil
}

func (e Encodings) Write(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
