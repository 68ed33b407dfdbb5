package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Profile is the last connection used by one save file.
type Profile struct {
	Server          string `json:"server"`
	Slot            string `json:"slot"`
	Password        string `json:"password,omitempty"`
	DeathLink       bool   `json:"death_link,omitempty"`
	LastConnectedAt string `json:"last_connected_at,omitempty"`
}

func (p Profile) ConnectedTime() time.Time {
	if p.LastConnectedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, p.LastConnectedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Profiles is a JSON file of profiles keyed by save file name.
type Profiles struct {
	path string

	mu sync.Mutex
	m  map[string]Profile
}

func OpenProfiles(path string) (*Profiles, error) {
	m, err := loadProfiles(path)
	if err != nil {
		return nil, err
	}
	return &Profiles{path: path, m: m}, nil
}

func loadProfiles(path string) (map[string]Profile, error) {
	if path == "" {
		return map[string]Profile{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Profile{}, nil
		}
		return nil, err
	}
	var m map[string]Profile
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if m == nil {
		m = map[string]Profile{}
	}
	return m, nil
}

func (p *Profiles) Get(saveFile string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.m[saveFile]
	return pr, ok
}

// Put stores pr for saveFile and rewrites the file.
func (p *Profiles) Put(saveFile string, pr Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[saveFile] = pr
	return p.flushLocked()
}

// MarkConnected stamps the profile's last successful connection.
func (p *Profiles) MarkConnected(saveFile string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.m[saveFile]
	if !ok {
		return fmt.Errorf("no profile for %q", saveFile)
	}
	pr.LastConnectedAt = at.UTC().Format(time.RFC3339Nano)
	p.m[saveFile] = pr
	return p.flushLocked()
}

func (p *Profiles) SaveFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.m))
	for k := range p.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Profiles) flushLocked() error {
	b, err := json.MarshalIndent(p.m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(p.path, b)
}

func writeFileAtomic(path string, b []byte) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
