package model

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Descriptor is the schema.yml shipped next to a trained model.
type Descriptor struct {
	Version    string              `yaml:"version" validate:"required"`
	Scheme     string              `yaml:"scheme" validate:"required,oneof=categorical target"`
	Features   []string            `yaml:"features" validate:"required,min=1,dive,required"`
	Model      string              `yaml:"model"`
	Encodings  string              `yaml:"encodings"`
	Vocabulary map[string][]string `yaml:"vocabulary" validate:"omitempty,dive,keys,oneof=service_id stop_name origin destination,endkeys,min=1"`
}

func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validator.New().Struct(d); err != nil {
		return Descriptor{}, fmt.Errorf("validate %s: %w", path, err)
	}
	if d.Model == "" {
		d.Model = "model.json"
	}
	if d.Encodings == "" {
		d.Encodings = "encodings.json"
	}
	return d, nil
}
