package config

import (
	"fmt"
	"sort"

	"github.com/a-essam23/teamsync/pkg/pipeline"
)

// AuthenticatedModifier is prepended to every protected handler's pipeline
// unless the event config already lists it.
const AuthenticatedModifier = "authenticated"

// Registry resolves handler and modifier names to functions.
type Registry interface {
	Events() []string
	GetHandler(event string) (pipeline.Handler, bool)
	GetModifierFunc(name string) (pipeline.ModifierFunc, bool)
}

// CompilePipelines builds one pipeline per registered event, applying the
// modifiers configured for it.
func CompilePipelines(cfg *Config, registry Registry) (map[string]*pipeline.Pipeline, error) {
	for eventName := range cfg.Events {
		if _, ok := registry.GetHandler(eventName); !ok {
			return nil, fmt.Errorf("unknown event '%s' in config", eventName)
		}
	}

	events := registry.Events()
	sort.Strings(events)
	pipelines := make(map[string]*pipeline.Pipeline, len(events))
	for _, eventName := range events {
		handler, _ := registry.GetHandler(eventName)
		eventCfg := cfg.Events[eventName]

		steps := make([]pipeline.Step, 0, len(eventCfg.Modifiers)+1)
		if handler.Protected && !hasModifier(eventCfg.Modifiers, AuthenticatedModifier) {
			fn, ok := registry.GetModifierFunc(AuthenticatedModifier)
			if !ok {
				return nil, fmt.Errorf("modifier '%s' is not registered", AuthenticatedModifier)
			}
			steps = append(steps, pipeline.Step{Name: AuthenticatedModifier, Modifier: fn})
		}
		for _, modCfg := range eventCfg.Modifiers {
			// look up the Go function for this modifier name.
			fn, ok := registry.GetModifierFunc(modCfg.Name)
			if !ok {
				return nil, fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, eventName)
			}
			steps = append(steps, pipeline.Step{
				Name:     modCfg.Name,
				Modifier: fn,
				Params:   modCfg.Params,
			})
		}
		pipelines[eventName] = &pipeline.Pipeline{
			Event:   eventName,
			Steps:   steps,
			Handler: handler,
		}
	}
	return pipelines, nil
}

func hasModifier(mods []ModifierConfig, name string) bool {
	for _, m := range mods {
		if m.Name == name {
			return true
		}
	}
	return false
}
