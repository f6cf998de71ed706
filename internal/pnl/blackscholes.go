package pnl

import "math"

const sqrt2Pi = 2.5066282746310002

// riskFreeRate is the flat annual rate used for leg pricing.
const riskFreeRate = 0.04

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / sqrt2Pi
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func d1d2(S, K, T, r, sigma float64) (float64, float64) {
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * math.Sqrt(T))
	return d1, d1 - sigma*math.Sqrt(T)
}

// bsPrice returns the Black-Scholes price of a European option, or the
// intrinsic value when time or vol is degenerate.
func bsPrice(isCall bool, S, K, T, r, sigma float64) float64 {
	if T <= 0 || sigma <= 0 {
		if isCall {
			return math.Max(0, S-K)
		}
		return math.Max(0, K-S)
	}
	d1, d2 := d1d2(S, K, T, r, sigma)
	if isCall {
		return S*normCDF(d1) - K*math.Exp(-r*T)*normCDF(d2)
	}
	return K*math.Exp(-r*T)*normCDF(-d2) - S*normCDF(-d1)
}

// bsDelta returns the option delta (negative for puts).
func bsDelta(isCall bool, S, K, T, r, sigma float64) float64 {
	if T <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	if isCall {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// bsGamma returns the option gamma, identical for calls and puts.
func bsGamma(S, K, T, r, sigma float64) float64 {
	if T <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	return normPDF(d1) / (S * sigma * math.Sqrt(T))
}

// bsTheta returns the per-day theta.
func bsTheta(isCall bool, S, K, T, r, sigma float64) float64 {
	if T <= 0 || sigma <= 0 {
		return 0
	}
	d1, d2 := d1d2(S, K, T, r, sigma)
	first := -S * normPDF(d1) * sigma / (2 * math.Sqrt(T))
	var annual float64
	if isCall {
		annual = first - r*K*math.Exp(-r*T)*normCDF(d2)
	} else {
		annual = first + r*K*math.Exp(-r*T)*normCDF(-d2)
	}
	return annual / 365
}

// bsVega returns the price change per 1.00 change in vol (per 1% when
// divided by 100 by the caller).
func bsVega(S, K, T, r, sigma float64) float64 {
	if T <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(S, K, T, r, sigma)
	return S * normPDF(d1) * math.Sqrt(T)
}
