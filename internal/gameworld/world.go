// Package gameworld is the boundary between the sync core and the game.
//
// World is what the core asks the game to do. Events is what the game tells
// the core. Memory implements both sides in memory for tests and the CLI.
package gameworld

import "shufflelink.ai/internal/catalog"

type World interface {
	// GrantItem applies an item's local effect to the spawned player.
	GrantItem(def catalog.ItemDef) error
	StateVar(name string) int
	SaverKeys(path string) []string
	SetSaverVar(path, key string, value int)
	// Flag reports whether a location's save flag is set. An empty scene
	// matches the key in any scene.
	Flag(scene, key string) bool
	Scene() string
	UnlockEnding() error
	KillPlayer(cause string) error
	SaveAll() error
	ReturnToMenu() error
}

// Events are raised by the game on its own thread of control.
type Events interface {
	PlayerSpawned(scene string)
	PlayerDespawned()
	SceneLoaded(scene string)
	ItemsReady()
	PlayerDied(cause string)
	LocationFlagSet(scene, key string)
}

// LevelSaver is the saver path holding a scene's persistent flags.
func LevelSaver(scene string) string {
	return "/local/levels/" + scene
}
