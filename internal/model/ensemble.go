package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitryikh/leaves"
)

// Ensemble is a LightGBM regression ensemble loaded from a dump_model()
// document.
type Ensemble struct {
	lg           *leaves.Ensemble
	width        int
	featureNames []string
}

type dumpHeader struct {
	MaxFeatureIdx *int     `json:"max_feature_idx"`
	FeatureNames  []string `json:"feature_names"`
	AverageOutput bool     `json:"average_output"`
	NumClass      int      `json:"num_class"`
	TreeInfo      []struct {
		TreeIndex int        `json:"tree_index"`
		Structure *splitNode `json:"tree_structure"`
	} `json:"tree_info"`
}

type splitNode struct {
	SplitFeature *int       `json:"split_feature"`
	DecisionType string     `json:"decision_type"`
	LeftChild    *splitNode `json:"left_child"`
	RightChild   *splitNode `json:"right_child"`
	LeafValue    *float64   `json:"leaf_value"`
}

// ParseEnsemble checks a dump_model() document and loads it.
func ParseEnsemble(data []byte) (*Ensemble, error) {
	var h dumpHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if h.NumClass > 1 {
		return nil, fmt.Errorf("model has %d classes, want a regression model", h.NumClass)
	}
	if h.MaxFeatureIdx == nil {
		return nil, errors.New("model has no max_feature_idx")
	}
	if h.AverageOutput {
		return nil, errors.New("averaged (random forest) models are not supported")
	}
	if len(h.TreeInfo) == 0 {
		return nil, errors.New("model has no trees")
	}
	width := *h.MaxFeatureIdx + 1
	for _, ti := range h.TreeInfo {
		if ti.Structure == nil {
			return nil, fmt.Errorf("tree %d has no structure", ti.TreeIndex)
		}
		if err := ti.Structure.check(width); err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti.TreeIndex, err)
		}
	}

	lg, err := leaves.LGEnsembleFromJSON(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &Ensemble{lg: lg, width: width, featureNames: h.FeatureNames}, nil
}

func (n *splitNode) check(width int) error {
	if n.LeafValue != nil {
		return nil
	}
	if n.SplitFeature == nil || n.LeftChild == nil || n.RightChild == nil {
		return errors.New("split node is missing its feature or children")
	}
	if *n.SplitFeature < 0 || *n.SplitFeature >= width {
		return fmt.Errorf("split feature %d out of range", *n.SplitFeature)
	}
	if n.DecisionType != "<=" && n.DecisionType != "==" {
		return fmt.Errorf("unsupported decision type %q", n.DecisionType)
	}
	if err := n.LeftChild.check(width); err != nil {
		return err
	}
	return n.RightChild.check(width)
}

func (e *Ensemble) NumFeatures() int { return e.width }

// FeatureNames returns the names recorded at training time, if any.
func (e *Ensemble) FeatureNames() []string { return e.featureNames }

func (e *Ensemble) NumTrees() int { return e.lg.NEstimators() }

// Predict sums the raw outputs of every tree.
func (e *Ensemble) Predict(values []float64) (float64, error) {
	if len(values) != e.width {
		return 0, fmt.Errorf("got %d features, model expects %d", len(values), e.width)
	}
	return e.lg.PredictSingle(values, 0), nil
}
