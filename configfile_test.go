package dummynet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadConfigFile(t *testing.T) {
	expect := &FileConfig{
		Pipes: []PipeConfig{{
			Number:    1,
			Bandwidth: 1000000,
			Delay:     20 * time.Millisecond,
			QueueParams: QueueParams{
				QueueSize: 30,
			},
		}},
		Queues: []QueueConfig{{
			Number: 10,
			Parent: 1,
			Weight: 3,
			QueueParams: QueueParams{
				Mask: FlowMask{SrcPort: 0xffff},
				PLR:  0.01,
				RED: &REDConfig{
					MinTh:  5,
					MaxTh:  15,
					MaxP:   0.1,
					WQ:     0.002,
					Gentle: true,
				},
			},
		}},
	}

	type testcase struct {
		name    string
		content string
	}

	cases := []testcase{{
		name: "config.yaml",
		content: `
pipes:
  - number: 1
    bandwidth: 1000000
    delay: 20ms
    queue_size: 30
queues:
  - number: 10
    parent: 1
    weight: 3
    plr: 0.01
    mask:
      src_port: 65535
    red:
      min_th: 5
      max_th: 15
      max_p: 0.1
      w_q: 0.002
      gentle: true
`,
	}, {
		name: "config.json",
		content: `{
	"pipes": [{"number": 1, "bandwidth": 1000000, "delay": 20000000, "queue_size": 30}],
	"queues": [{
		"number": 10, "parent": 1, "weight": 3, "plr": 0.01,
		"mask": {"src_port": 65535},
		"red": {"min_th": 5, "max_th": 15, "max_p": 0.1, "w_q": 0.002, "gentle": true}
	}]
}`,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), tc.name)
			if err := os.WriteFile(filename, []byte(tc.content), 0o600); err != nil {
				t.Fatal(err)
			}
			config, err := ReadConfigFile(filename)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(expect, config); diff != "" {
				t.Fatal(diff)
			}
		})
	}

	t.Run("write and read back", func(t *testing.T) {
		for _, name := range []string{"out.yml", "out.json"} {
			filename := filepath.Join(t.TempDir(), name)
			if err := WriteConfigFile(filename, expect); err != nil {
				t.Fatal(err)
			}
			config, err := ReadConfigFile(filename)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(expect, config); diff != "" {
				t.Fatal(name, diff)
			}
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		if _, err := ReadConfigFile("config.toml"); !errors.Is(err, ErrConfigFileFormat) {
			t.Fatal("unexpected error", err)
		}
		if err := WriteConfigFile("config.toml", expect); !errors.Is(err, ErrConfigFileFormat) {
			t.Fatal("unexpected error", err)
		}
	})

	t.Run("syntax error", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "broken.json")
		if err := os.WriteFile(filename, []byte("{"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadConfigFile(filename); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestFileConfigApply(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s := newTestScheduler(&collector{}, nil)
		fc := &FileConfig{
			Pipes:  []PipeConfig{{Number: 1, Bandwidth: 8000}},
			Queues: []QueueConfig{{Number: 2, Parent: 1, Weight: 4}},
		}
		if err := fc.Apply(s); err != nil {
			t.Fatal(err)
		}
		snap := s.Snapshot()
		if len(snap.Pipes) != 1 || len(snap.Queues) != 1 || snap.Queues[0].Weight != 4 {
			t.Fatal("unexpected snapshot", snap)
		}
	})

	t.Run("failure", func(t *testing.T) {
		s := newTestScheduler(&collector{}, nil)
		fc := &FileConfig{
			Pipes:  []PipeConfig{{Number: 1}},
			Queues: []QueueConfig{{Number: 1, Parent: 1}},
		}
		if err := fc.Apply(s); !errors.Is(err, ErrNumberInUse) {
			t.Fatal("unexpected error", err)
		}
	})
}
