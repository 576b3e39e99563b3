// SPDX-License-Identifier: MIT

package capture

import (
	"fmt"
	"strings"
)

// QualityTier names an encoder preset tier, resolved to concrete ffmpeg
// bitrate/preset/tune values by Preset.
//
// Grounded on audio/capabilities.go's QualityTier + qualityPresets table
// (low/normal/high bandwidth tiers for an ALSA capture device), the same
// three-tier shape applied to encoder presets instead of sample rate/
// channel/format combinations.
type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityNormal QualityTier = "normal"
	QualityHigh   QualityTier = "high"
)

// EncodePreset is the resolved set of ffmpeg tunables for one quality
// tier.
type EncodePreset struct {
	Bitrate string
	Preset  string
	Tune    string
}

var qualityPresets = map[QualityTier]EncodePreset{
	QualityLow: {
		Bitrate: "800k",
		Preset:  "ultrafast",
		Tune:    "zerolatency",
	},
	QualityNormal: {
		Bitrate: "2500k",
		Preset:  "veryfast",
		Tune:    "zerolatency",
	},
	QualityHigh: {
		Bitrate: "6000k",
		Preset:  "fast",
		Tune:    "zerolatency",
	},
}

// ParseQualityTier converts a string to QualityTier, matching
// audio.ParseQualityTier's tolerant aliasing (single-letter shorthand,
// empty string defaults to normal).
func ParseQualityTier(s string) (QualityTier, error) {
	switch strings.ToLower(s) {
	case "low", "l":
		return QualityLow, nil
	case "normal", "n", "medium", "m", "":
		return QualityNormal, nil
	case "high", "h":
		return QualityHigh, nil
	default:
		return "", fmt.Errorf("invalid quality tier %q: must be low, normal, or high", s)
	}
}

// Preset returns the EncodePreset for tier, falling back to
// QualityNormal for an unrecognized tier.
func Preset(tier QualityTier) EncodePreset {
	if p, ok := qualityPresets[tier]; ok {
		return p
	}
	return qualityPresets[QualityNormal]
}

// GetQualityPresets returns a copy of the full tier table, used by the
// setup wizard to display choices.
func GetQualityPresets() map[QualityTier]EncodePreset {
	result := make(map[QualityTier]EncodePreset, len(qualityPresets))
	for k, v := range qualityPresets {
		result[k] = v
	}
	return result
}
