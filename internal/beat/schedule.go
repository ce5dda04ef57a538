package beat

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Entry is one recurring task template. Timestamps are owned by the
// scheduler and persisted through the state store; everything else
// comes from configuration and never changes at runtime.
type Entry struct {
	Name       string
	TaskName   string
	Args       []any
	Kwargs     map[string]any
	Queue      string
	MaxRetries int
	Spec       *Spec

	LastRunAt time.Time
	NextRunAt time.Time
}

type entryDef struct {
	Task       string         `json:"task"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	Queue      string         `json:"queue"`
	MaxRetries int            `json:"max_retries"`
	Every      string         `json:"every"`
	Cron       string         `json:"cron"`
}

// LoadScheduleFile reads the JSON schedule mapping (entry name to
// template) and returns entries sorted by name. Evaluation order is
// stable so simultaneously due entries always dispatch in the same
// order within a tick.
func LoadScheduleFile(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule parses the schedule mapping from raw JSON.
func ParseSchedule(data []byte) ([]*Entry, error) {
	var defs map[string]entryDef
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	entries := make([]*Entry, 0, len(defs))
	for name, def := range defs {
		if def.Task == "" {
			return nil, fmt.Errorf("schedule entry %q: task is required", name)
		}
		spec, err := ParseSpec(def.Every, def.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %q: %w", name, err)
		}
		entries = append(entries, &Entry{
			Name:       name,
			TaskName:   def.Task,
			Args:       def.Args,
			Kwargs:     def.Kwargs,
			Queue:      def.Queue,
			MaxRetries: def.MaxRetries,
			Spec:       spec,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
