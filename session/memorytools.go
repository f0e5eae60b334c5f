package session

import (
	"time"

	"github.com/flowstack/agentgraph/agenterrors"
	"github.com/flowstack/agentgraph/memory"
	"github.com/flowstack/agentgraph/tool"
)

// RegisterMemoryTools installs the fixed memory_* tool surface (spec §6)
// into reg, routing each call through mgr. The metadata.ttl seconds→ms
// conversion happens here, once, at this boundary (SPEC_FULL.md's Open
// Question decision) — mgr and every Source take the TTL as a
// time.Duration.
func RegisterMemoryTools(reg *tool.Registry, mgr *memory.Manager) error {
	tools := []tool.Spec{
		{
			Name:        "memory_store",
			Description: "Store a value under a key in memory, optionally with TTL and tags.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"key", "value"},
				"properties": map[string]any{
					"key":           map[string]any{"type": "string"},
					"value":         map[string]any{"type": "object"},
					"metadata":      map[string]any{"type": "object"},
					"memory_source": map[string]any{"type": "string"},
				},
			},
			Module: tool.ModuleFunc(memoryStoreModule(mgr)),
		},
		{
			Name:        "memory_retrieve",
			Description: "Retrieve a value previously stored under a key.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"key"},
				"properties": map[string]any{
					"key":           map[string]any{"type": "string"},
					"memory_source": map[string]any{"type": "string"},
				},
			},
			Module: tool.ModuleFunc(memoryRetrieveModule(mgr)),
		},
		{
			Name:        "memory_search",
			Description: "Search memory for items matching a query.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"query"},
				"properties": map[string]any{
					"query":         map[string]any{"type": "object"},
					"limit":         map[string]any{"type": "integer", "default": 10},
					"memory_source": map[string]any{"type": "string"},
				},
			},
			Module: tool.ModuleFunc(memorySearchModule(mgr)),
		},
		{
			Name:        "memory_delete",
			Description: "Delete a value stored under a key.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"key"},
				"properties": map[string]any{
					"key":           map[string]any{"type": "string"},
					"memory_source": map[string]any{"type": "string"},
				},
			},
			Module: tool.ModuleFunc(memoryDeleteModule(mgr)),
		},
		{
			Name:        "memory_list_keys",
			Description: "List keys in memory, optionally filtered by pattern.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":       map[string]any{"type": "string"},
					"limit":         map[string]any{"type": "integer", "default": 100},
					"memory_source": map[string]any{"type": "string"},
				},
			},
			Module: tool.ModuleFunc(memoryListKeysModule(mgr)),
		},
		{
			Name:        "memory_list_sources",
			Description: "List every registered memory source, with the default flagged.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Module: tool.ModuleFunc(memoryListSourcesModule(mgr)),
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func memoryStoreModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		key, ok := stringArg(args, "key")
		if !ok || key == "" {
			return nil, agenterrors.InvalidConfig("memory_store requires a non-empty key", nil)
		}
		value, ok := args["value"]
		if !ok {
			return nil, agenterrors.InvalidConfig("memory_store requires a value", nil)
		}
		sourceName, _ := stringArg(args, "memory_source")
		opts := memory.StoreOpts{}
		if md, ok := args["metadata"].(map[string]any); ok {
			if tags, ok := md["tags"].([]any); ok {
				for _, t := range tags {
					if s, ok := t.(string); ok {
						opts.Tags = append(opts.Tags, s)
					}
				}
			}
			if ttlSeconds, ok := numberArg(md["ttl"]); ok {
				d := time.Duration(ttlSeconds * float64(time.Second))
				opts.TTL = &d
			}
			if srcFromMeta, ok := md["source"].(string); ok && sourceName == "" {
				sourceName = srcFromMeta
			}
		}
		item, err := mgr.Store(cctx.Ctx, sourceName, key, value, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": item.Key, "stored": true}, nil
	}
}

func numberArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func memoryRetrieveModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		key, ok := stringArg(args, "key")
		if !ok || key == "" {
			return nil, agenterrors.InvalidConfig("memory_retrieve requires a non-empty key", nil)
		}
		sourceName, _ := stringArg(args, "memory_source")
		item, err := mgr.Retrieve(cctx.Ctx, sourceName, key, memory.RetrieveOpts{})
		if agenterrors.IsNotFound(err) {
			return map[string]any{"found": false}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": true, "value": item.Value}, nil
	}
}

func memorySearchModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		query, ok := args["query"]
		if !ok {
			return nil, agenterrors.InvalidConfig("memory_search requires a query", nil)
		}
		limit := 10
		if n, ok := numberArg(args["limit"]); ok {
			limit = int(n)
		}
		sourceName, _ := stringArg(args, "memory_source")
		items, err := mgr.Search(cctx.Ctx, sourceName, query, memory.SearchOpts{Limit: limit})
		if err != nil {
			return nil, err
		}
		results := make([]map[string]any, 0, len(items))
		for _, it := range items {
			results = append(results, map[string]any{"key": it.Key, "value": it.Value})
		}
		return map[string]any{"results": results}, nil
	}
}

func memoryDeleteModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		key, ok := stringArg(args, "key")
		if !ok || key == "" {
			return nil, agenterrors.InvalidConfig("memory_delete requires a non-empty key", nil)
		}
		sourceName, _ := stringArg(args, "memory_source")
		if err := mgr.Delete(cctx.Ctx, sourceName, key); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	}
}

func memoryListKeysModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		pattern, _ := stringArg(args, "pattern")
		limit := 100
		if n, ok := numberArg(args["limit"]); ok {
			limit = int(n)
		}
		sourceName, _ := stringArg(args, "memory_source")
		keys, cursor, err := mgr.ListKeys(cctx.Ctx, sourceName, memory.ListOpts{Pattern: pattern, Limit: limit})
		if err != nil {
			return nil, err
		}
		out := map[string]any{"keys": keys}
		if cursor != "" {
			out["cursor"] = cursor
		}
		return out, nil
	}
}

func memoryListSourcesModule(mgr *memory.Manager) func(map[string]any, tool.CallContext) (any, error) {
	return func(args map[string]any, cctx tool.CallContext) (any, error) {
		infos := mgr.ListSources(cctx.Ctx)
		out := make([]map[string]any, 0, len(infos))
		for _, info := range infos {
			entry := map[string]any{"name": info.Name, "default": info.IsDefault}
			if info.ItemCount >= 0 {
				entry["item_count"] = info.ItemCount
			}
			out = append(out, entry)
		}
		return map[string]any{"sources": out}, nil
	}
}
