package estimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/manifest"
)

func testPricing() config.Pricing {
	return config.Pricing{
		MinJobCostUSD:        1.00,
		StorageRatePerGBHour: 0.001,
		TransferRatePerGB:    0.05,
		UploadMbps:           50.0,
		GPUClasses:           []string{"rtx4090", "a100"},
		GPURates: map[string]config.GPUClass{
			"rtx4090": {RatePerMinute: 0.50, SpeedFactor: 1.0},
			"a100":    {RatePerMinute: 2.00, SpeedFactor: 1.6},
		},
	}
}

func simpleManifest(duration float64) manifest.Manifest {
	return manifest.Manifest{
		Composition: manifest.Composition{Name: "Comp", DurationSeconds: duration},
		Project:     manifest.Project{Hash: "hash"},
		Effects:     []string{"ADBE Gaussian Blur 2"},
	}
}

func TestChooseGPUClassDefaultsToRTX(t *testing.T) {
	m := simpleManifest(30)
	assert.Equal(t, "rtx4090", ChooseGPUClass(m, PresetWeb))
}

func TestChooseGPUClassLongDurationRoutesToA100(t *testing.T) {
	m := simpleManifest(601)
	assert.Equal(t, "a100", ChooseGPUClass(m, PresetWeb))
}

func TestChooseGPUClassHighQualityPresetRoutesToA100(t *testing.T) {
	m := simpleManifest(10)
	assert.Equal(t, "a100", ChooseGPUClass(m, PresetHighQuality))
}

func TestComputeComplexityAccumulates(t *testing.T) {
	m := simpleManifest(30)
	for i := 0; i < 35; i++ {
		m.Effects = append(m.Effects, "ADBE Effect")
	}
	m.Effects = append(m.Effects, "Trapcode Particular")
	m.ExpressionsCount = 200
	// base 1.0 + 0.5(>10) + 1.0(>30) + 0.5(third-party) + 0.5(>50) + 0.5(>150)
	assert.InDelta(t, 4.0, ComputeComplexity(m), 0.001)
}

func TestEstimateIsDeterministic(t *testing.T) {
	pricing := testPricing()
	m := simpleManifest(120)
	a := Estimate(pricing, m, PresetWeb, 100*1024*1024, nil)
	b := Estimate(pricing, m, PresetWeb, 100*1024*1024, nil)
	assert.Equal(t, a.CostUSD, b.CostUSD)
	assert.Equal(t, a.ETASeconds, b.ETASeconds)
	assert.Equal(t, a.GPUClass, b.GPUClass)
}

func TestEstimateRespectsMinimumJobCost(t *testing.T) {
	pricing := testPricing()
	m := simpleManifest(1)
	est := Estimate(pricing, m, PresetWeb, 1024, nil)
	assert.GreaterOrEqual(t, est.CostUSD, pricing.MinJobCostUSD)
}

func TestEstimateWarnsOnLargeBundle(t *testing.T) {
	pricing := testPricing()
	m := simpleManifest(30)
	est := Estimate(pricing, m, PresetWeb, 6*1024*1024*1024, nil)
	assert.Contains(t, est.Warnings, "Large bundle; upload may take longer.")
}

func TestEstimateOutputSizeCustomOverridesBitrate(t *testing.T) {
	size := EstimateOutputSizeGB(60, PresetCustom, &CustomOptions{BitrateMbps: 100})
	require.Greater(t, size, 0.0)
	defaultSize := EstimateOutputSizeGB(60, PresetWeb, nil)
	assert.Greater(t, size, defaultSize)
}

func TestActualCostUsesMeasuredRenderMinutes(t *testing.T) {
	pricing := testPricing()
	m := simpleManifest(120)
	cost := ActualCost(pricing, m, PresetWeb, 100*1024*1024, 5.0, nil)
	assert.GreaterOrEqual(t, cost, pricing.MinJobCostUSD)
}
