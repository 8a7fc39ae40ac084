// Package estimator computes render cost, ETA, and GPU class assignment
// for a job, as a pure function of its manifest, preset, and bundle size.
package estimator

import (
	"math"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/manifest"
)

// Preset names the output quality tier requested for a job.
type Preset string

const (
	PresetWeb          Preset = "web"
	PresetSocial       Preset = "social"
	PresetHighQuality  Preset = "high_quality"
	PresetCustom       Preset = "custom"
)

// presetBitrates maps a preset to its assumed output bitrate in Mbps.
var presetBitrates = map[Preset]float64{
	PresetWeb:         8.0,
	PresetSocial:      12.0,
	PresetHighQuality: 200.0,
}

// CustomOptions overrides codec/bitrate choices for preset=custom. The JSON
// tags match the wire shape persisted in Job.CustomOptionsJSON so the
// worker can unmarshal it directly.
type CustomOptions struct {
	Codec       string  `json:"codec"`
	BitrateMbps float64 `json:"bitrateMbps"`
}

// Estimate is the result of a cost/ETA computation.
type Estimate struct {
	CostUSD    float64
	ETASeconds int
	GPUClass   string
	Warnings   []string
}

// largeBundleBytes is the threshold above which the estimator warns that
// upload may take longer.
const largeBundleBytes = 5 * 1024 * 1024 * 1024

// complexityThreshold is the complexity score at or above which a job is
// routed to the faster GPU class and flagged as complex in warnings.
const complexityThreshold = 2.5

// longDurationSeconds is the composition length above which a job routes to
// the faster GPU class regardless of complexity.
const longDurationSeconds = 600.0

// EstimateOutputSizeGB returns the expected rendered output size, derived
// from the preset's assumed bitrate (or customOptions.BitrateMbps when
// preset is custom) and the composition duration.
func EstimateOutputSizeGB(durationSeconds float64, preset Preset, custom *CustomOptions) float64 {
	bitrate, ok := presetBitrates[preset]
	if !ok {
		bitrate = presetBitrates[PresetWeb]
	}
	if preset == PresetCustom && custom != nil && custom.BitrateMbps > 0 {
		bitrate = custom.BitrateMbps
	}
	bits := bitrate * 1_000_000 * durationSeconds
	bytesOut := bits / 8.0
	return bytesOut / (1024 * 1024 * 1024)
}

// ComputeComplexity returns the dimensionless complexity score used for GPU
// class selection and render-time estimation.
func ComputeComplexity(m manifest.Manifest) float64 {
	_, thirdParty := manifest.ClassifyEffects(m.Effects)
	complexity := 1.0
	if len(m.Effects) > 10 {
		complexity += 0.5
	}
	if len(m.Effects) > 30 {
		complexity += 1.0
	}
	if len(thirdParty) > 0 {
		complexity += 0.5
	}
	if m.ExpressionsCount > 50 {
		complexity += 0.5
	}
	if m.ExpressionsCount > 150 {
		complexity += 0.5
	}
	return complexity
}

// ChooseGPUClass routes long or complex compositions, and anything rendered
// at the high_quality preset, to the a100 class; everything else uses
// rtx4090.
func ChooseGPUClass(m manifest.Manifest, preset Preset) string {
	complexity := ComputeComplexity(m)
	if m.Composition.DurationSeconds > longDurationSeconds || complexity >= complexityThreshold || preset == PresetHighQuality {
		return "a100"
	}
	return "rtx4090"
}

// Estimate computes cost, ETA, GPU class, and non-blocking warnings for a
// job. Given identical inputs and pricing configuration, it is
// deterministic; warning order is not part of the contract.
func Estimate(pricing config.Pricing, m manifest.Manifest, preset Preset, bundleSizeBytes int64, custom *CustomOptions) Estimate {
	gpuClass := ChooseGPUClass(m, preset)
	complexity := ComputeComplexity(m)
	duration := m.Composition.DurationSeconds

	rates := pricing.GPURates[gpuClass]
	speedFactor := rates.SpeedFactor
	if speedFactor == 0 {
		speedFactor = 1.0
	}
	rate := rates.RatePerMinute
	if rate == 0 {
		rate = 1.0
	}

	renderMinutes := (duration / 60.0) * (complexity / speedFactor)
	outputGB := EstimateOutputSizeGB(duration, preset, custom)
	bundleGB := float64(bundleSizeBytes) / (1024 * 1024 * 1024)
	storageHours := math.Max(1.0, renderMinutes/60.0)
	storageCost := (bundleGB + outputGB) * pricing.StorageRatePerGBHour * storageHours
	transferCost := outputGB * pricing.TransferRatePerGB
	renderCost := renderMinutes * rate

	total := math.Max(pricing.MinJobCostUSD, renderCost+storageCost+transferCost)

	uploadSeconds := float64(bundleSizeBytes*8) / (pricing.UploadMbps * 1_000_000)
	etaSeconds := int(renderMinutes*60 + uploadSeconds + 120)

	var warnings []string
	if bundleGB > 5 {
		warnings = append(warnings, "Large bundle; upload may take longer.")
	}
	if complexity >= complexityThreshold {
		warnings = append(warnings, "Complex composition; expect longer render time.")
	}

	return Estimate{
		CostUSD:    roundCents(total),
		ETASeconds: etaSeconds,
		GPUClass:   gpuClass,
		Warnings:   warnings,
	}
}

// ActualCost recomputes cost using the worker's measured render minutes in
// place of the estimator's predicted render minutes, while keeping the
// estimator's size/duration-derived storage and transfer terms. This
// intentionally does not re-derive output size from the real rendered
// output; it mirrors the estimate's inputs so actual cost stays comparable
// to the quoted estimate.
func ActualCost(pricing config.Pricing, m manifest.Manifest, preset Preset, bundleSizeBytes int64, renderMinutes float64, custom *CustomOptions) float64 {
	gpuClass := ChooseGPUClass(m, preset)
	rates := pricing.GPURates[gpuClass]
	rate := rates.RatePerMinute
	if rate == 0 {
		rate = 1.0
	}
	renderCost := renderMinutes * rate

	outputGB := EstimateOutputSizeGB(m.Composition.DurationSeconds, preset, custom)
	bundleGB := float64(bundleSizeBytes) / (1024 * 1024 * 1024)
	storageHours := math.Max(1.0, renderMinutes/60.0)
	storageCost := (bundleGB + outputGB) * pricing.StorageRatePerGBHour * storageHours
	transferCost := outputGB * pricing.TransferRatePerGB

	total := math.Max(pricing.MinJobCostUSD, renderCost+storageCost+transferCost)
	return roundCents(total)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
