// Package model loads a trained delay model artifact and evaluates it.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"bus-delay-predictor/internal/predict"
	"bus-delay-predictor/internal/transit"
)

// Model is an immutable loaded artifact; it is safe for concurrent use.
type Model struct {
	desc     Descriptor
	scheme   predict.Scheme
	features []string
	ens      *Ensemble
	vocab    map[string]map[string]int
	enc      Encodings
}

// Load reads schema.yml, the tree dump and, for the target scheme, the
// encoding table from dir. Any disagreement between the descriptor, the
// scheme's feature order and the tree dump fails the load.
func Load(dir string) (*Model, error) {
	desc, err := LoadDescriptor(filepath.Join(dir, "schema.yml"))
	if err != nil {
		return nil, err
	}
	scheme, err := predict.ParseScheme(desc.Scheme)
	if err != nil {
		return nil, err
	}
	want := scheme.Features()
	if !slices.Equal(desc.Features, want) {
		return nil, fmt.Errorf("schema features %v do not match the %s scheme %v", desc.Features, scheme, want)
	}

	data, err := os.ReadFile(filepath.Join(dir, desc.Model))
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	ens, err := ParseEnsemble(data)
	if err != nil {
		return nil, err
	}
	if ens.NumFeatures() != len(want) {
		return nil, fmt.Errorf("model expects %d features, %s scheme has %d", ens.NumFeatures(), scheme, len(want))
	}
	if names := ens.FeatureNames(); len(names) > 0 && !generatedNames(names) && !slices.Equal(names, want) {
		return nil, fmt.Errorf("model was trained on features %v, want %v", names, want)
	}

	m := &Model{desc: desc, scheme: scheme, features: want, ens: ens}
	switch scheme {
	case predict.SchemeCategorical:
		m.vocab = make(map[string]map[string]int, len(desc.Vocabulary))
		for feature, labels := range desc.Vocabulary {
			codes := make(map[string]int, len(labels))
			for i, l := range labels {
				codes[transit.CanonicalName(l)] = i
			}
			m.vocab[feature] = codes
		}
	case predict.SchemeTargetEncoded:
		enc, err := LoadEncodings(filepath.Join(dir, desc.Encodings))
		if err != nil {
			return nil, fmt.Errorf("load encodings: %w", err)
		}
		m.enc = enc
	}
	return m, nil
}

// generatedNames reports LightGBM's Column_N placeholders.
func generatedNames(names []string) bool {
	for _, n := range names {
		if !strings.HasPrefix(n, "Column_") {
			return false
		}
	}
	return true
}

func (m *Model) Version() string { return m.desc.Version }

func (m *Model) Scheme() predict.Scheme { return m.scheme }

func (m *Model) Trees() int { return m.ens.NumTrees() }

// Encode implements predict.CategoryEncoder. Unseen labels map to -1 under
// the categorical scheme and to 0 under the target scheme.
func (m *Model) Encode(feature, label string) float64 {
	if m.scheme == predict.SchemeTargetEncoded {
		return m.enc.Lookup(feature, label)
	}
	if code, ok := m.vocab[feature][transit.CanonicalName(label)]; ok {
		return float64(code)
	}
	return -1
}

func (m *Model) Predict(v predict.FeatureVector) (float64, error) {
	if !slices.Equal(v.Names, m.features) {
		return 0, fmt.Errorf("feature vector %v does not match model features %v", v.Names, m.features)
	}
	return m.ens.Predict(v.Values)
}
