package config

import (
	"fmt"
	"strings"
)

// ShardConfig binds a subset of a connector's symbols to one local source
// IP, so per-IP exchange limits are spread across addresses.
type ShardConfig struct {
	IP      string   `yaml:"ip"`
	Symbols []string `yaml:"symbols"`
}

// ExpandShards replaces every sharded connector with one connector per
// shard, named "<id>_<n>". Shards share the parent's key prefix; their
// symbol sets are expected to be disjoint.
func ExpandShards(connectors []ConnectorConfig) []ConnectorConfig {
	out := make([]ConnectorConfig, 0, len(connectors))
	for _, c := range connectors {
		if len(c.Shards) == 0 {
			out = append(out, c)
			continue
		}
		if c.StoreKeyPrefix == "" {
			c.StoreKeyPrefix = strings.TrimSpace(c.ID)
		}
		for i, shard := range c.Shards {
			sc := c
			sc.Shards = nil
			sc.ID = fmt.Sprintf("%s_%d", strings.TrimSpace(c.ID), i+1)
			sc.LocalIP = strings.TrimSpace(shard.IP)
			sc.Symbols = append([]string(nil), shard.Symbols...)
			if c.Funding != nil {
				// Only the first shard polls funding for the whole connector.
				if i == 0 {
					f := *c.Funding
					if len(f.Symbols) == 0 {
						f.Symbols = append([]string(nil), c.Symbols...)
						for _, s := range c.Shards {
							f.Symbols = append(f.Symbols, s.Symbols...)
						}
					}
					sc.Funding = &f
				} else {
					sc.Funding = nil
				}
			}
			out = append(out, sc)
		}
	}
	return out
}
