// Package config parses the mirror daemon's invocation parameters: either
// the flat "key=value" token form, or a "-config" YAML file describing
// one or more mirror stanzas.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultBufferKiB is used when "buffermultiplier" is not supplied.
const defaultBufferKiB = 4

// defaultLibraryDir is the stable directory persisted libraries are
// written under.
const defaultLibraryDir = "mirrors"

// Mirror is one fully validated origin/target pairing ready to be handed
// to mirror.New.
type Mirror struct {
	Origin      string
	Target      string
	IntervalMS  int
	MaxFileSize int64
	BufferKiB   int
	LibraryDir  string
}

// Load parses args (the run subcommand's positional arguments) into one or
// more Mirror configs.
// "-config <file>" loads a YAML document with a top-level "mirrors:" list;
// any other form is parsed as the flat "key=value" single-mirror CLI
// grammar. Errors are one-line diagnostics suitable for printing to
// standard output before a fatal exit.
func Load(args []string) ([]Mirror, error) {
	if len(args) > 0 && args[0] == "-config" {
		if len(args) < 2 {
			return nil, fmt.Errorf("-config requires a file path argument")
		}
		return loadYAMLFile(args[1])
	}

	m, err := parseKeyValueArgs(args)
	if err != nil {
		return nil, err
	}
	return []Mirror{m}, nil
}

func parseKeyValueArgs(args []string) (Mirror, error) {
	raw := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return Mirror{}, fmt.Errorf("malformed argument %q, expected key=value", arg)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if _, dup := raw[key]; dup {
			return Mirror{}, fmt.Errorf("key %q specified more than once", key)
		}
		switch key {
		case "origin", "mirror", "interval", "maxsize", "buffermultiplier":
			raw[key] = value
		default:
			return Mirror{}, fmt.Errorf("unknown key %q", key)
		}
	}
	return buildFromRaw(raw)
}

func buildFromRaw(raw map[string]string) (Mirror, error) {
	origin, ok := raw["origin"]
	if !ok {
		return Mirror{}, fmt.Errorf("missing required key %q", "origin")
	}
	target, ok := raw["mirror"]
	if !ok {
		return Mirror{}, fmt.Errorf("missing required key %q", "mirror")
	}
	intervalStr, ok := raw["interval"]
	if !ok {
		return Mirror{}, fmt.Errorf("missing required key %q", "interval")
	}
	maxSizeStr, ok := raw["maxsize"]
	if !ok {
		return Mirror{}, fmt.Errorf("missing required key %q", "maxsize")
	}

	interval, err := parsePositiveInt(intervalStr)
	if err != nil {
		return Mirror{}, fmt.Errorf("interval: %w", err)
	}
	maxSize, err := parsePositiveInt64(maxSizeStr)
	if err != nil {
		return Mirror{}, fmt.Errorf("maxsize: %w", err)
	}

	bufferKiB := defaultBufferKiB
	if s, ok := raw["buffermultiplier"]; ok {
		v, err := parsePositiveInt(s)
		if err != nil {
			return Mirror{}, fmt.Errorf("buffermultiplier: %w", err)
		}
		bufferKiB = v
	}

	return validate(Mirror{
		Origin:      origin,
		Target:      target,
		IntervalMS:  interval,
		MaxFileSize: int64(maxSize),
		BufferKiB:   bufferKiB,
		LibraryDir:  defaultLibraryDir,
	})
}

type yamlDocument struct {
	Mirrors []yamlMirror `yaml:"mirrors"`
}

type yamlMirror struct {
	Origin           string `yaml:"origin"`
	Mirror           string `yaml:"mirror"`
	Interval         int    `yaml:"interval"`
	MaxSize          int64  `yaml:"maxsize"`
	BufferMultiplier int    `yaml:"buffermultiplier"`
}

func loadYAMLFile(path string) ([]Mirror, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if len(doc.Mirrors) == 0 {
		return nil, fmt.Errorf("config file %q has no mirrors", path)
	}

	mirrors := make([]Mirror, 0, len(doc.Mirrors))
	for i, ym := range doc.Mirrors {
		bufferKiB := ym.BufferMultiplier
		if bufferKiB == 0 {
			bufferKiB = defaultBufferKiB
		}
		if ym.Origin == "" {
			return nil, fmt.Errorf("mirrors[%d]: missing %q", i, "origin")
		}
		if ym.Mirror == "" {
			return nil, fmt.Errorf("mirrors[%d]: missing %q", i, "mirror")
		}
		if ym.Interval <= 0 {
			return nil, fmt.Errorf("mirrors[%d]: %q must be a positive integer", i, "interval")
		}
		if ym.MaxSize <= 0 {
			return nil, fmt.Errorf("mirrors[%d]: %q must be a positive integer", i, "maxsize")
		}
		if bufferKiB <= 0 {
			return nil, fmt.Errorf("mirrors[%d]: %q must be a positive integer", i, "buffermultiplier")
		}

		m, err := validate(Mirror{
			Origin:      ym.Origin,
			Target:      ym.Mirror,
			IntervalMS:  ym.Interval,
			MaxFileSize: ym.MaxSize,
			BufferKiB:   bufferKiB,
			LibraryDir:  defaultLibraryDir,
		})
		if err != nil {
			return nil, fmt.Errorf("mirrors[%d]: %w", i, err)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

// validate checks the two path fields both exist and are directories.
func validate(m Mirror) (Mirror, error) {
	originInfo, err := os.Stat(m.Origin)
	if err != nil || !originInfo.IsDir() {
		return Mirror{}, fmt.Errorf("origin %q must be an existing directory", m.Origin)
	}
	targetInfo, err := os.Stat(m.Target)
	if err != nil || !targetInfo.IsDir() {
		return Mirror{}, fmt.Errorf("mirror %q must be an existing directory", m.Target)
	}
	return m, nil
}

func parsePositiveInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid integer", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%q must be a positive integer", s)
	}
	return v, nil
}

func parsePositiveInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid integer", s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%q must be a positive integer", s)
	}
	return v, nil
}
