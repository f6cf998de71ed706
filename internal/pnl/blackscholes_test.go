package pnl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormCDF(t *testing.T) {
	assert.InDelta(t, 0.5, normCDF(0), 1e-12)
	assert.InDelta(t, 1.0, normCDF(8), 1e-9)
	assert.InDelta(t, 0.0, normCDF(-8), 1e-9)
	// Symmetry.
	assert.InDelta(t, 1.0, normCDF(1.3)+normCDF(-1.3), 1e-12)
	assert.InDelta(t, 0.3989422804014327, normPDF(0), 1e-12)
}

func TestBSPriceIntrinsicWhenDegenerate(t *testing.T) {
	assert.Equal(t, 10.0, bsPrice(true, 110, 100, 0, riskFreeRate, 0.2))
	assert.Equal(t, 0.0, bsPrice(true, 90, 100, 0, riskFreeRate, 0.2))
	assert.Equal(t, 10.0, bsPrice(false, 90, 100, 0, riskFreeRate, 0.2))
	// Zero vol collapses to intrinsic as well.
	assert.Equal(t, 5.0, bsPrice(false, 95, 100, 0.25, riskFreeRate, 0))
	assert.Equal(t, 0.0, bsDelta(true, 100, 100, 0, riskFreeRate, 0.2))
	assert.Equal(t, 0.0, bsVega(100, 100, 0, riskFreeRate, 0.2))
}

func TestPutCallParity(t *testing.T) {
	S, K, T, r, sigma := 450.0, 440.0, 45.0/365, riskFreeRate, 0.22
	call := bsPrice(true, S, K, T, r, sigma)
	put := bsPrice(false, S, K, T, r, sigma)
	assert.InDelta(t, S-K*math.Exp(-r*T), call-put, 1e-9)
}

func TestGreeksSigns(t *testing.T) {
	S, K, T, sigma := 100.0, 100.0, 45.0/365, 0.20

	callDelta := bsDelta(true, S, K, T, riskFreeRate, sigma)
	putDelta := bsDelta(false, S, K, T, riskFreeRate, sigma)
	// ATM call delta sits just above 0.5 because of drift.
	assert.InDelta(t, 0.542, callDelta, 0.005)
	assert.InDelta(t, callDelta-1, putDelta, 1e-12)

	assert.Greater(t, bsGamma(S, K, T, riskFreeRate, sigma), 0.0)
	assert.Greater(t, bsVega(S, K, T, riskFreeRate, sigma), 0.0)
	assert.Less(t, bsTheta(true, S, K, T, riskFreeRate, sigma), 0.0)
	assert.Less(t, bsTheta(false, S, K, T, riskFreeRate, sigma), 0.0)
}

func TestPriceMonotoneInVol(t *testing.T) {
	cheap := bsPrice(true, 450, 460, 45.0/365, riskFreeRate, 0.15)
	rich := bsPrice(true, 450, 460, 45.0/365, riskFreeRate, 0.35)
	assert.Greater(t, rich, cheap)
}
