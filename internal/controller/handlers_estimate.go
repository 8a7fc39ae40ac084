package controller

import (
	"encoding/json"
	"net/http"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/estimator"
	"github.com/renderhub/dispatch/internal/manifest"
)

// Estimate handles POST /estimate.
func (c *Controller) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, dispatcherr.Wrap(dispatcherr.Validation, "malformed request body", err))
		return
	}

	m, err := parseManifest(req.ManifestJSON)
	if err != nil {
		writeErr(w, err)
		return
	}
	preset, err := parsePreset(req.Preset)
	if err != nil {
		writeErr(w, err)
		return
	}

	bundleSize, err := c.objects.HeadObjectSize(r.Context(), req.BundleKey)
	if err != nil {
		writeErr(w, dispatcherr.New(dispatcherr.Validation, "Bundle not found in storage"))
		return
	}

	est := estimator.Estimate(c.cfg.Pricing, m, preset, bundleSize, toCustomOptions(req.CustomOptions))
	// Only Check's content-derived warnings apply before the bundle itself
	// has been uploaded and unpacked; its required-asset errors don't.
	est.Warnings = append(est.Warnings, manifest.Check(m, nil).Warnings...)
	writeJSON(w, http.StatusOK, EstimateResponse{
		CostUSD:    est.CostUSD,
		ETASeconds: est.ETASeconds,
		GPUClass:   est.GPUClass,
		Warnings:   est.Warnings,
	})
}
