package runtime

import (
	"context"
	"fmt"
	"strings"
)

// Status implements cli.Runtime's STATUS command: a compact, human
// readable summary for the line-protocol CLI.
func (rt *Runtime) Status(ctx context.Context) (string, error) {
	modules := rt.reg.All()
	cacheStats := rt.cache.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "modules: %d\n", len(modules))
	for _, mod := range modules {
		rt.isolatedMu.Lock()
		isolated := rt.isolated[mod.ID]
		rt.isolatedMu.Unlock()
		state := mod.State().String()
		if isolated {
			state += " (isolated)"
		}
		fmt.Fprintf(&b, "  %-24s id=%d version=%d state=%s\n", mod.Name, mod.ID, mod.Version, state)
	}
	fmt.Fprintf(&b, "build cache: %d entries, %d/%d bytes\n", cacheStats.Entries, cacheStats.SizeBytes, cacheStats.MaxBytes)
	fmt.Fprintf(&b, "config version: %d\n", rt.cfgMgr.Version())
	return b.String(), nil
}

// StatusSnapshot implements statushttp.StatusProvider: a structured view
// of the same information Status renders as text, for the /status
// endpoint.
func (rt *Runtime) StatusSnapshot(ctx context.Context) map[string]interface{} {
	modules := rt.reg.All()
	moduleViews := make([]map[string]interface{}, 0, len(modules))
	for _, mod := range modules {
		rt.isolatedMu.Lock()
		isolated := rt.isolated[mod.ID]
		rt.isolatedMu.Unlock()
		moduleViews = append(moduleViews, map[string]interface{}{
			"id":         mod.ID,
			"name":       mod.Name,
			"state":      mod.State().String(),
			"version":    mod.Version,
			"agentCount": mod.AgentCount,
			"isolated":   isolated,
		})
	}

	cacheStats := rt.cache.Stats()
	return map[string]interface{}{
		"modules": moduleViews,
		"buildCache": map[string]interface{}{
			"entries":   cacheStats.Entries,
			"sizeBytes": cacheStats.SizeBytes,
			"maxBytes":  cacheStats.MaxBytes,
		},
		"configVersion": rt.cfgMgr.Version(),
		"qualityTiers":  rt.qualityOpt.Snapshot(),
		"telemetry":     rt.agg.Snapshot(),
	}
}
