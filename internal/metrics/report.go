package metrics

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/nbd-wtf/go-nostr/nip11"

	"relaycheck/internal/models"
)

// DefaultTopImplementations is how many implementations a report lists.
const DefaultTopImplementations = 20

// RelayStats summarises the relay table.
type RelayStats struct {
	TotalRelays          int64                `json:"total_relays"`
	CheckedRelays        int64                `json:"checked_relays"`
	ReachableRelays      int64                `json:"reachable_relays"`
	CheckedPercent       float64              `json:"checked_percent"`
	ReachablePercent     float64              `json:"reachable_percent"`
	SyncSupported        int64                `json:"sync_supported"`
	SyncSupportedPercent float64              `json:"sync_supported_percent"`
	Implementations      []ImplementationStat `json:"implementations"`
	OtherImplementations int                  `json:"other_implementations"`
	DocumentedRelays     int64                `json:"documented_relays"`
}

// ImplementationStat counts relays announcing the same software.
type ImplementationStat struct {
	Software string  `json:"software"`
	Count    int64   `json:"count"`
	Percent  float64 `json:"percent"`
}

// ComputeRelayStats builds the report from raw counts and the NIP-11
// documents of reachable relays. Documents that do not decode are ignored;
// documents without a software field count as "unknown".
func ComputeRelayStats(counts models.RelayCounts, docs []string, topN int) RelayStats {
	if topN <= 0 {
		topN = DefaultTopImplementations
	}

	stats := RelayStats{
		TotalRelays:          counts.Total,
		CheckedRelays:        counts.Checked,
		ReachableRelays:      counts.Reachable,
		CheckedPercent:       percent(counts.Checked, counts.Total),
		ReachablePercent:     percent(counts.Reachable, counts.Checked),
		SyncSupported:        counts.SyncSupported,
		SyncSupportedPercent: percent(counts.SyncSupported, counts.Reachable),
	}

	bySoftware := make(map[string]int64)
	for _, raw := range docs {
		var doc nip11.RelayInformationDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		software := doc.Software
		if software == "" {
			software = "unknown"
		}
		bySoftware[software]++
		stats.DocumentedRelays++
	}
	if len(bySoftware) == 0 {
		return stats
	}

	list := make([]ImplementationStat, 0, len(bySoftware))
	for software, count := range bySoftware {
		list = append(list, ImplementationStat{
			Software: software,
			Count:    count,
			Percent:  percent(count, stats.DocumentedRelays),
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].Software < list[j].Software
	})

	if len(list) > topN {
		stats.OtherImplementations = len(list) - topN
		list = list[:topN]
	}
	stats.Implementations = list
	return stats
}

func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round2(float64(part) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
