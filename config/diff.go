package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sections a running server applies without a restart.
var liveSections = map[string]bool{
	"flags": true,
}

// ChangedSections returns the sorted top-level YAML keys whose values differ
// between old and new.
func ChangedSections(old, new *Config) []string {
	oldSections := sections(old)
	newSections := sections(new)

	var changed []string
	for key, v := range newSections {
		if hashAny(oldSections[key]) != hashAny(v) {
			changed = append(changed, key)
		}
	}
	for key := range oldSections {
		if _, ok := newSections[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// RequiresRestart reports which of the changed sections only take effect on
// restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func sections(cfg *Config) map[string]any {
	out := map[string]any{}
	if cfg == nil {
		return out
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return out
	}
	_ = yaml.Unmarshal(data, &out)
	return out
}

func hashAny(v any) string {
	if v == nil {
		return "nil"
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
