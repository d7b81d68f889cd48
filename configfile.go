package dummynet

//
// Loading pipes and queues from YAML or JSON files
//

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// ErrConfigFileFormat indicates that the config file extension is neither
// YAML nor JSON.
var ErrConfigFileFormat = errors.New("dummynet: config file must be .yaml, .yml, or .json")

// FileConfig describes the pipes and queues to configure.
//
// With YAML, delays are duration strings (e.g., "20ms"). With JSON,
// delays are integer nanoseconds.
type FileConfig struct {
	// Pipes contains the pipes.
	Pipes []PipeConfig `json:"pipes" yaml:"pipes"`

	// Queues contains the queues.
	Queues []QueueConfig `json:"queues" yaml:"queues"`
}

// configFileIsYAML returns whether we should use YAML, based on the extension.
func configFileIsYAML(filename string) (bool, error) {
	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		return true, nil
	case ".json", ".JSON":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrConfigFileFormat, filename)
	}
}

// ReadConfigFile reads a [FileConfig] from the given file. We select
// YAML or JSON based on the file extension.
func ReadConfigFile(filename string) (*FileConfig, error) {
	useYAML, err := configFileIsYAML(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &FileConfig{}
	if useYAML {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("dummynet: parsing %s: %w", filename, err)
	}
	return config, nil
}

// WriteConfigFile writes a [FileConfig] into the given file. We select
// YAML or JSON based on the file extension.
func WriteConfigFile(filename string, config *FileConfig) error {
	useYAML, err := configFileIsYAML(filename)
	if err != nil {
		return err
	}
	var data []byte
	if useYAML {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o600)
}

// Apply configures the pipes first and then the queues. It stops at
// the first error, leaving the previous changes in place.
func (fc *FileConfig) Apply(sched *Scheduler) error {
	for idx := range fc.Pipes {
		if err := sched.ConfigurePipe(&fc.Pipes[idx]); err != nil {
			return fmt.Errorf("pipe %d: %w", fc.Pipes[idx].Number, err)
		}
	}
	for idx := range fc.Queues {
		if err := sched.ConfigureQueue(&fc.Queues[idx]); err != nil {
			return fmt.Errorf("queue %d: %w", fc.Queues[idx].Number, err)
		}
	}
	return nil
}
