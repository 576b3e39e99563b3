// SPDX-License-Identifier: MIT

package capture

import "testing"

func TestParseQualityTier(t *testing.T) {
	tests := []struct {
		input   string
		want    QualityTier
		wantErr bool
	}{
		{"low", QualityLow, false},
		{"l", QualityLow, false},
		{"", QualityNormal, false},
		{"normal", QualityNormal, false},
		{"medium", QualityNormal, false},
		{"high", QualityHigh, false},
		{"H", QualityHigh, false},
		{"ultra", "", true},
	}

	for _, tt := range tests {
		got, err := ParseQualityTier(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseQualityTier(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQualityTier(%q): unexpected error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseQualityTier(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPresetFallsBackToNormal(t *testing.T) {
	got := Preset("bogus")
	want := qualityPresets[QualityNormal]
	if got != want {
		t.Errorf("Preset(bogus) = %+v, want normal preset %+v", got, want)
	}
}

func TestGetQualityPresetsReturnsCopy(t *testing.T) {
	presets := GetQualityPresets()
	presets[QualityLow] = EncodePreset{Bitrate: "mutated"}

	if qualityPresets[QualityLow].Bitrate == "mutated" {
		t.Error("GetQualityPresets should return a copy, not the backing map")
	}
}
