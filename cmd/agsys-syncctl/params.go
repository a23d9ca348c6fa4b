package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agsys/edge-sync/internal/command"
)

// parseParams turns key=value pairs into command parameters. Values that
// are valid JSON keep their type, so valve=2 is a number and
// schedule={"start":"06:00"} a map. Anything else is a string.
func parseParams(pairs []string) (*command.Params, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	p := command.NewParams()
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", pair)
		}
		var v command.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = command.String(raw)
		}
		p.Set(key, v)
	}
	return p, nil
}
