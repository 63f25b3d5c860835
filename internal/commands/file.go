package commands

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the layout of a commands file:
//
//	commands:
//	  - command: about
//	    description: What this bot is
//	    reply: "I am an emulated bot."
type FileConfig struct {
	Commands []FileCommand `yaml:"commands"`
}

// FileCommand is one canned-reply command.
type FileCommand struct {
	Command     string `yaml:"command"`
	Description string `yaml:"description"`
	Reply       string `yaml:"reply"`
}

// LoadFile reads canned-reply commands from a YAML file. An empty path
// yields no commands.
func LoadFile(path string) ([]Command, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading commands file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile decodes YAML commands. Names may carry a leading slash; built-in
// names are rejected.
func ParseFile(data []byte) ([]Command, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing commands file: %w", err)
	}

	reserved := map[string]bool{"help": true}
	for _, b := range Builtins(nil) {
		reserved[b.Name] = true
	}

	cmds := make([]Command, 0, len(cfg.Commands))
	for i, fc := range cfg.Commands {
		name := strings.TrimPrefix(strings.TrimSpace(fc.Command), Prefix)
		if reserved[name] {
			return nil, fmt.Errorf("command %d: %q is built in", i, name)
		}
		if fc.Reply == "" {
			return nil, fmt.Errorf("command %d (%s): reply is required", i, name)
		}
		desc := fc.Description
		if desc == "" {
			desc = name
		}
		cmds = append(cmds, Command{
			Name:        name,
			Description: desc,
			Handler:     textHandler(fc.Reply),
		})
	}
	return cmds, nil
}
