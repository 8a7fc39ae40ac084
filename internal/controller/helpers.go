package controller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/estimator"
	"github.com/renderhub/dispatch/internal/manifest"
)

var validPresets = map[estimator.Preset]bool{
	estimator.PresetWeb:         true,
	estimator.PresetSocial:      true,
	estimator.PresetHighQuality: true,
	estimator.PresetCustom:      true,
}

func parsePreset(raw string) (estimator.Preset, error) {
	p := estimator.Preset(raw)
	if !validPresets[p] {
		return "", dispatcherr.New(dispatcherr.Validation, fmt.Sprintf("unknown preset %q", raw))
	}
	return p, nil
}

func parseManifest(raw json.RawMessage) (manifest.Manifest, error) {
	if len(raw) == 0 {
		return manifest.Manifest{}, dispatcherr.New(dispatcherr.Validation, "manifest is required")
	}
	if err := manifest.ValidateSchema(raw); err != nil {
		return manifest.Manifest{}, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest.Manifest{}, dispatcherr.Wrap(dispatcherr.Validation, "malformed manifest", err)
	}
	return m, nil
}

func toCustomOptions(dto *customOptsDTO) *estimator.CustomOptions {
	if dto == nil {
		return nil
	}
	return &estimator.CustomOptions{Codec: dto.Codec, BitrateMbps: dto.BitrateMbps}
}

func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}
