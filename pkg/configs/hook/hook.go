package config

import (
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

func Load(filename string) (Hooks, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return Hooks{}, err
	}

	var hooks Hooks
	if err := yaml.Unmarshal(content, &hooks); err != nil {
		return Hooks{}, err
	}
	return hooks, nil
}

type WebHook struct {
	Before []*url.URL
	After  []*url.URL
}

func (wh *WebHook) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Before []string `yaml:"before"`
		After  []string `yaml:"after"`
	}{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	wh.Before = make([]*url.URL, len(raw.Before))
	for i, u := range raw.Before {
		parsed, err := url.Parse(u)
		if err != nil {
			return err
		}
		wh.Before[i] = parsed
	}

	wh.After = make([]*url.URL, len(raw.After))
	for i, u := range raw.After {
		parsed, err := url.Parse(u)
		if err != nil {
			return err
		}
		wh.After[i] = parsed
	}
	return nil
}

// Lifecycle web hooks per loop type.
//
// Before hooks fire before a claimed record is processed; after hooks fire
// with the resulting state transitions.
type Hooks struct {
	Obscalc  WebHook `yaml:"obscalc,omitempty"`
	Telluric WebHook `yaml:"telluric,omitempty"`
	Sweep    WebHook `yaml:"sweep,omitempty"`
}
