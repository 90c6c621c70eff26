// Package app aggregates the registry, dispatch bus, extraction
// pipeline, console pub/sub, bot rendezvous and playtest runner into
// the single process-wide state object the HTTP layer drives (spec §9,
// "the broker has exactly one process-wide state object").
package app

import (
	"time"

	"github.com/rbxsync/broker/internal/bot"
	"github.com/rbxsync/broker/internal/config"
	"github.com/rbxsync/broker/internal/console"
	"github.com/rbxsync/broker/internal/dispatch"
	"github.com/rbxsync/broker/internal/extract"
	"github.com/rbxsync/broker/internal/playtest"
	"github.com/rbxsync/broker/internal/rbxjson"
	"github.com/rbxsync/broker/internal/registry"
)

// Broker wires every subsystem together at startup.
type Broker struct {
	Config config.Config

	Registry *registry.Registry
	Dispatch *dispatch.Bus
	Extract  *extract.Manager
	Console  *console.Ring
	Bot      *bot.Channel
	Playtest *playtest.Runner

	StartedAt time.Time
}

// New wires a Broker's subsystems together: registry unregister events
// abandon that Place's outstanding dispatch requests (§4.1, §4.2),
// exactly the cross-subsystem reaction the registry's OnUnregister hook
// exists for.
func New(cfg config.Config) *Broker {
	reg := registry.New()
	bus := dispatch.New()
	ring := console.New(cfg.ConsoleRingCapacity)

	reg.OnUnregister(func(sessionID string) {
		bus.AbandonPlace(sessionID)
	})

	return &Broker{
		Config:    cfg,
		Registry:  reg,
		Dispatch:  bus,
		Extract:   extract.New(),
		Console:   ring,
		Bot:       bot.New(),
		Playtest:  playtest.New(bus, ring),
		StartedAt: time.Now(),
	}
}

// Resolve looks up the target Place for a request, by project dir if
// given or by the sole-registered-Place rule otherwise (§4.1).
func (b *Broker) Resolve(projectDir string) (registry.Place, error) {
	return b.Registry.Resolve(projectDir)
}

// ProjectConfig loads a project's rbxsync.json and converts its
// packages-exclusion policy into the shape internal/rbxjson expects.
func (b *Broker) ProjectConfig(projectDir string) (*rbxjson.ProjectConfig, error) {
	pf, err := config.LoadProjectFile(projectDir)
	if err != nil {
		return nil, err
	}
	return &rbxjson.ProjectConfig{Packages: pf.Packages}, nil
}

// Reap runs every subsystem's background TTL sweep; intended to be
// called from a ticker on the server's lifecycle goroutine.
func (b *Broker) Reap() {
	b.Extract.Reap(b.Config.ExtractionInactivityTTLDuration())
	b.Bot.Reap()
}
