package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

var (
	ErrUnknownItem     = errors.New("unknown item")
	ErrUnknownLocation = errors.New("unknown location")
)

// LookupError is returned when an identifier has no catalog entry. It is a
// data-integrity problem for one event, never for the whole pipeline.
type LookupError struct {
	Kind       error
	RemoteID   int64
	LocalKey   string
	SceneScope string
}

func (e *LookupError) Error() string {
	if e.LocalKey != "" {
		if e.SceneScope != "" {
			return fmt.Sprintf("%v: key=%s scene=%s", e.Kind, e.LocalKey, e.SceneScope)
		}
		return fmt.Sprintf("%v: key=%s", e.Kind, e.LocalKey)
	}
	return fmt.Sprintf("%v: id=%d", e.Kind, e.RemoteID)
}

func (e *LookupError) Unwrap() error { return e.Kind }

type ItemKind string

const (
	// KindItem grants a named inventory item.
	KindItem ItemKind = "item"
	// KindCounter adds Amount to the player state variable Var.
	KindCounter ItemKind = "counter"
	// KindFlag sets Key=1 in the saver at path Saver.
	KindFlag ItemKind = "flag"
)

// LocationRecord is one row of locations.json.
type LocationRecord struct {
	Name   string `json:"location"`
	Offset int64  `json:"offset"`
	Scene  string `json:"scene,omitempty"`
	Flag   string `json:"flag"`
}

// ItemRecord is one row of items.json.
type ItemRecord struct {
	Name   string   `json:"name"`
	Offset int64    `json:"offset"`
	Kind   ItemKind `json:"kind"`
	Var    string   `json:"var,omitempty"`
	Amount int      `json:"amount,omitempty"`
	Saver  string   `json:"saver,omitempty"`
	Key    string   `json:"key,omitempty"`
}

type locationsFile struct {
	BaseID    int64            `json:"base_id"`
	Locations []LocationRecord `json:"locations"`
}

type itemsFile struct {
	BaseID int64        `json:"base_id"`
	Items  []ItemRecord `json:"items"`
}

type RemoteLocation struct {
	RemoteID   int64
	Name       string
	LocalKey   string
	SceneScope string
}

// ItemDef is the local effect a remote item id resolves to.
type ItemDef struct {
	RemoteID int64
	Name     string
	Kind     ItemKind
	Var      string
	Amount   int
	Saver    string
	Key      string
}

type locationKey struct {
	key   string
	scope string
}

// Catalog maps local location keys to remote ids and remote item ids to local
// effects. It is immutable after construction and safe for concurrent reads.
type Catalog struct {
	LocationsBaseID int64
	ItemsBaseID     int64
	LocationsDigest string
	ItemsDigest     string

	locations   []RemoteLocation
	locByID     map[int64]RemoteLocation
	locByKey    map[locationKey]RemoteLocation
	items       map[int64]ItemDef
	itemsByName map[string]ItemDef
}

// Load reads locations.json and items.json from dir. Any error is fatal for
// the randomizer subsystem.
func Load(dir string) (*Catalog, error) {
	locRaw, err := os.ReadFile(filepath.Join(dir, "locations.json"))
	if err != nil {
		return nil, err
	}
	if err := validate(locationsSchema, locRaw); err != nil {
		return nil, fmt.Errorf("locations.json: %w", err)
	}
	var lf locationsFile
	if err := json.Unmarshal(locRaw, &lf); err != nil {
		return nil, fmt.Errorf("locations.json: %w", err)
	}

	itemRaw, err := os.ReadFile(filepath.Join(dir, "items.json"))
	if err != nil {
		return nil, err
	}
	if err := validate(itemsSchema, itemRaw); err != nil {
		return nil, fmt.Errorf("items.json: %w", err)
	}
	var itf itemsFile
	if err := json.Unmarshal(itemRaw, &itf); err != nil {
		return nil, fmt.Errorf("items.json: %w", err)
	}

	c, err := New(lf.BaseID, lf.Locations, itf.BaseID, itf.Items)
	if err != nil {
		return nil, err
	}
	c.LocationsDigest = sha256Hex(locRaw)
	c.ItemsDigest = sha256Hex(itemRaw)
	return c, nil
}

// New builds a catalog from records, enforcing key+scope and id uniqueness.
func New(locationsBase int64, locs []LocationRecord, itemsBase int64, items []ItemRecord) (*Catalog, error) {
	c := &Catalog{
		LocationsBaseID: locationsBase,
		ItemsBaseID:     itemsBase,
		locByID:         make(map[int64]RemoteLocation, len(locs)),
		locByKey:        make(map[locationKey]RemoteLocation, len(locs)),
		items:           make(map[int64]ItemDef, len(items)),
		itemsByName:     make(map[string]ItemDef, len(items)),
	}

	for _, r := range locs {
		if r.Flag == "" {
			return nil, fmt.Errorf("locations: %q: empty flag", r.Name)
		}
		loc := RemoteLocation{
			RemoteID:   locationsBase + r.Offset,
			Name:       r.Name,
			LocalKey:   r.Flag,
			SceneScope: r.Scene,
		}
		if prev, ok := c.locByID[loc.RemoteID]; ok {
			return nil, fmt.Errorf("locations: duplicate id %d (%q and %q)", loc.RemoteID, prev.Name, loc.Name)
		}
		k := locationKey{key: loc.LocalKey, scope: loc.SceneScope}
		if prev, ok := c.locByKey[k]; ok {
			return nil, fmt.Errorf("locations: duplicate key %s/%s (%q and %q)", k.scope, k.key, prev.Name, loc.Name)
		}
		c.locByID[loc.RemoteID] = loc
		c.locByKey[k] = loc
		c.locations = append(c.locations, loc)
	}
	sort.Slice(c.locations, func(i, j int) bool { return c.locations[i].RemoteID < c.locations[j].RemoteID })

	for _, r := range items {
		if r.Name == "" {
			return nil, fmt.Errorf("items: offset %d: empty name", r.Offset)
		}
		def := ItemDef{
			RemoteID: itemsBase + r.Offset,
			Name:     r.Name,
			Kind:     r.Kind,
			Var:      r.Var,
			Amount:   r.Amount,
			Saver:    r.Saver,
			Key:      r.Key,
		}
		if def.Kind == "" {
			def.Kind = KindItem
		}
		switch def.Kind {
		case KindItem:
		case KindCounter:
			if def.Var == "" {
				return nil, fmt.Errorf("items: %q: counter without var", r.Name)
			}
			if def.Amount == 0 {
				def.Amount = 1
			}
		case KindFlag:
			if def.Saver == "" || def.Key == "" {
				return nil, fmt.Errorf("items: %q: flag without saver/key", r.Name)
			}
		default:
			return nil, fmt.Errorf("items: %q: unknown kind %q", r.Name, r.Kind)
		}
		if prev, ok := c.items[def.RemoteID]; ok {
			return nil, fmt.Errorf("items: duplicate id %d (%q and %q)", def.RemoteID, prev.Name, def.Name)
		}
		c.items[def.RemoteID] = def
		c.itemsByName[def.Name] = def
	}
	return c, nil
}

// Item resolves a remote item id.
func (c *Catalog) Item(remoteID int64) (ItemDef, error) {
	d, ok := c.items[remoteID]
	if !ok {
		return ItemDef{}, &LookupError{Kind: ErrUnknownItem, RemoteID: remoteID}
	}
	return d, nil
}

func (c *Catalog) ItemByName(name string) (ItemDef, bool) {
	d, ok := c.itemsByName[name]
	return d, ok
}

// LocationFor resolves a local trigger. A scoped entry must match the scene
// exactly; an unscoped entry matches the key in any scene.
func (c *Catalog) LocationFor(localKey, sceneScope string) (RemoteLocation, error) {
	if localKey != "" {
		if sceneScope != "" {
			if loc, ok := c.locByKey[locationKey{key: localKey, scope: sceneScope}]; ok {
				return loc, nil
			}
		}
		if loc, ok := c.locByKey[locationKey{key: localKey}]; ok {
			return loc, nil
		}
	}
	return RemoteLocation{}, &LookupError{Kind: ErrUnknownLocation, LocalKey: localKey, SceneScope: sceneScope}
}

func (c *Catalog) Location(remoteID int64) (RemoteLocation, bool) {
	loc, ok := c.locByID[remoteID]
	return loc, ok
}

// Locations returns every location ordered by remote id.
func (c *Catalog) Locations() []RemoteLocation {
	return append([]RemoteLocation(nil), c.locations...)
}

func (c *Catalog) NumItems() int { return len(c.items) }

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
