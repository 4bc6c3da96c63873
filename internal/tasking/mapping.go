package tasking

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hotosm/tm-extractor/internal/types"
)

// DefaultWindowHours is the recency window used when none is given or the
// given one is unusable.
const DefaultWindowHours = 24

const maxWindowHours = 24

// mappingTypeOrder mirrors the tracking service's numeric mapping-type codes:
// 1 is Roads, 2 Buildings, 3 Waterways, 4 Landuse.
var mappingTypeOrder = []types.MappingType{
	types.MappingRoads,
	types.MappingBuildings,
	types.MappingWaterways,
	types.MappingLanduse,
}

// mappingTypeNames maps the service's enum spellings onto category names.
// LAND_USE collapses to Landuse, the spelling extraction templates use.
var mappingTypeNames = map[string]types.MappingType{
	"ROADS":     types.MappingRoads,
	"BUILDINGS": types.MappingBuildings,
	"WATERWAYS": types.MappingWaterways,
	"LAND_USE":  types.MappingLanduse,
}

// NormalizeMappingTypes converts the mixed numeric/string mapping types the
// tracking service reports into canonical category names. Unrecognized
// entries are dropped, not errored: a project tagged with a type this tool
// cannot extract should still get its supported categories.
func NormalizeMappingTypes(raw []any) []types.MappingType {
	normalized := make([]types.MappingType, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			// JSON numbers decode as float64
			idx := int(v) - 1
			if idx >= 0 && idx < len(mappingTypeOrder) {
				normalized = append(normalized, mappingTypeOrder[idx])
			}
		case int:
			idx := v - 1
			if idx >= 0 && idx < len(mappingTypeOrder) {
				normalized = append(normalized, mappingTypeOrder[idx])
			}
		case string:
			if name, ok := mappingTypeNames[strings.ToUpper(v)]; ok {
				normalized = append(normalized, name)
			}
		}
	}
	return normalized
}

// ClampWindow forces a recency window into the supported [1, 24] hour range.
// Out-of-range values fall back to the default rather than erroring so that
// scheduled invocations keep running on a misconfigured window.
func ClampWindow(hours int) int {
	if hours < 1 || hours > maxWindowHours {
		return DefaultWindowHours
	}
	return hours
}

// ParseWindow interprets a user-supplied recency window. Non-numeric input
// falls back to the default with a warning instead of aborting the run.
func ParseWindow(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Warn().Str("value", raw).Int("using_hours", DefaultWindowHours).Msg("Recency window is not a number")
		return DefaultWindowHours
	}
	return ClampWindow(n)
}
