package sim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/edgeprobe/internal/accel"
)

// Layout is the stream layout of a simulated model, read from a TOML file
// next to the artifact (model.hef -> model.hef.toml).
type Layout struct {
	NetworkGroups []GroupLayout `toml:"network_groups"`
}

// GroupLayout describes one network group.
type GroupLayout struct {
	Name    string         `toml:"name"`
	Inputs  []StreamLayout `toml:"inputs"`
	Outputs []StreamLayout `toml:"outputs"`
}

// StreamLayout describes one tensor stream.
type StreamLayout struct {
	Name string `toml:"name"`
	accel.Shape
}

type simModel struct {
	name   string
	path   string
	layout Layout
}

func (m *simModel) Name() string { return m.name }
func (m *simModel) Path() string { return m.path }

// SidecarPath returns the layout file consulted for a model artifact.
func SidecarPath(modelPath string) string {
	return modelPath + ".toml"
}

// loadModel checks that the artifact exists and is non-empty, then reads its
// layout. Without a layout file a single classification-style network group
// is assumed.
func loadModel(path string) (*simModel, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, accel.Wrap(accel.StatusOpenFileFailure, "load model", "cannot open model file "+path, err)
	}
	if info.IsDir() {
		return nil, accel.NewError(accel.StatusOpenFileFailure, "load model", path+" is a directory")
	}
	if info.Size() == 0 {
		return nil, accel.NewError(accel.StatusInvalidModel, "load model", path+" is empty")
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	layout, err := readLayout(SidecarPath(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		layout = defaultLayout(name)
	case err != nil:
		return nil, accel.Wrap(accel.StatusInvalidModel, "load model", "invalid layout for "+path, err)
	}

	if err := validateLayout(layout); err != nil {
		return nil, accel.Wrap(accel.StatusInvalidModel, "load model", "invalid layout for "+path, err)
	}

	return &simModel{name: name, path: path, layout: layout}, nil
}

func readLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, err
	}
	var layout Layout
	if err := toml.Unmarshal(data, &layout); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

func defaultLayout(name string) Layout {
	return Layout{
		NetworkGroups: []GroupLayout{{
			Name: name,
			Inputs: []StreamLayout{{
				Name:  name + "/input_layer1",
				Shape: accel.Shape{Height: 224, Width: 224, Features: 3},
			}},
			Outputs: []StreamLayout{{
				Name:  name + "/fc1",
				Shape: accel.Shape{Height: 1, Width: 1, Features: 1000},
			}},
		}},
	}
}

func validateLayout(l Layout) error {
	if len(l.NetworkGroups) == 0 {
		return errors.New("no network groups")
	}
	for _, g := range l.NetworkGroups {
		if len(g.Inputs) == 0 || len(g.Outputs) == 0 {
			return fmt.Errorf("network group %q needs at least one input and one output", g.Name)
		}
		for _, s := range append(append([]StreamLayout{}, g.Inputs...), g.Outputs...) {
			if s.Size() <= 0 {
				return fmt.Errorf("stream %q has empty shape %s", s.Name, s.Shape)
			}
		}
	}
	return nil
}
