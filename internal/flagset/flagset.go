// Package flagset writes groups of save flags chosen by slot options. It is
// used once per new save file to pre-open doors, reveal maps and the like.
package flagset

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Flag struct {
	Saver string `yaml:"saver"`
	Key   string `yaml:"key"`
	Value *int   `yaml:"value,omitempty"`
}

func (f Flag) value() int {
	if f.Value == nil {
		return 1
	}
	return *f.Value
}

// When enables a set from a slot option: truthy when Equals is unset,
// otherwise an exact match.
type When struct {
	Option string `yaml:"option"`
	Equals *int   `yaml:"equals,omitempty"`
}

// Grid expands to one flag per (scene, key); {scene} in Saver is replaced.
type Grid struct {
	Saver  string              `yaml:"saver"`
	Scenes map[string][]string `yaml:"scenes"`
}

type Set struct {
	Name  string `yaml:"name"`
	When  *When  `yaml:"when,omitempty"`
	Flags []Flag `yaml:"flags,omitempty"`
	Grid  *Grid  `yaml:"grid,omitempty"`
}

type File struct {
	Sets []Set `yaml:"sets"`
}

type Saver interface {
	SetSaverVar(path, key string, value int)
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("flagsets.yaml: %w", err)
	}
	return f, nil
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for i, s := range f.Sets {
		if s.Name == "" {
			return nil, fmt.Errorf("set %d: missing name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("set %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.When != nil && s.When.Option == "" {
			return nil, fmt.Errorf("set %s: when without option", s.Name)
		}
		for _, fl := range s.Flags {
			if fl.Saver == "" || fl.Key == "" {
				return nil, fmt.Errorf("set %s: flag needs saver and key", s.Name)
			}
		}
		if s.Grid != nil && !strings.Contains(s.Grid.Saver, "{scene}") {
			return nil, fmt.Errorf("set %s: grid saver must contain {scene}", s.Name)
		}
	}
	return &f, nil
}

// Enabled evaluates w against slot data decoded from JSON.
func (w *When) Enabled(slotData map[string]any) bool {
	if w == nil {
		return true
	}
	n, ok := number(slotData[w.Option])
	if !ok {
		return false
	}
	if w.Equals != nil {
		return n == *w.Equals
	}
	return n != 0
}

func number(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Expand lists the flags of s in a stable order.
func (s Set) Expand() []Flag {
	out := append([]Flag(nil), s.Flags...)
	if s.Grid != nil {
		scenes := make([]string, 0, len(s.Grid.Scenes))
		for sc := range s.Grid.Scenes {
			scenes = append(scenes, sc)
		}
		sort.Strings(scenes)
		for _, sc := range scenes {
			saver := strings.ReplaceAll(s.Grid.Saver, "{scene}", sc)
			for _, k := range s.Grid.Scenes[sc] {
				out = append(out, Flag{Saver: saver, Key: k})
			}
		}
	}
	return out
}

// Apply writes every flag of every enabled set. It returns the names of the
// sets applied and the number of flags written.
func (f *File) Apply(sv Saver, slotData map[string]any) (applied []string, written int) {
	for _, s := range f.Sets {
		if !s.When.Enabled(slotData) {
			continue
		}
		for _, fl := range s.Expand() {
			sv.SetSaverVar(fl.Saver, fl.Key, fl.value())
			written++
		}
		applied = append(applied, s.Name)
	}
	return applied, written
}
