package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// WriteFile saves p as YAML.
func WriteFile(path string, p *model.ReplicationPlan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing plan: %w", err)
	}
	return nil
}

// ReadFile loads a plan written by WriteFile. JSON plans parse as well.
func ReadFile(path string) (*model.ReplicationPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p model.ReplicationPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if p.Source.ID == "" || p.Target.ID == "" {
		return nil, fmt.Errorf("plan %s has no source or target repository", path)
	}
	return &p, nil
}
