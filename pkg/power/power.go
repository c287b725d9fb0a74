// Package power computes the pre-experiment sample size needed to reliably
// detect a given effect. Pure computation, no dependencies.
package power

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dukex/variance/pkg/models"
)

var (
	ErrBaselineRate = errors.New("baseline rate must be in (0,1)")
	ErrSignificance = errors.New("significance level must be in (0,1)")
	ErrPower        = errors.New("power level must be in (0,1)")
	ErrEffect       = errors.New("minimum detectable effect must be positive")
)

// Input holds the parameters of a two-proportion power calculation.
// MinDetectableEffect is relative to the baseline rate: 0.10 means the
// experiment should detect a 10% lift over baseline.
type Input struct {
	BaselineRate        float64
	SignificanceLevel   float64
	PowerLevel          float64
	MinDetectableEffect float64
	DailyTraffic        int64 // Eligible subjects per day across all variants; 0 skips duration estimation
	Variants            int   // Number of arms sharing the traffic; 0 defaults to 2
}

// Analyze computes the required per-variant sample size using the standard
// two-proportion formula under the normal approximation:
//
//	n = (z_{1-alpha/2} * sqrt(2*pbar*(1-pbar)) + z_{power} * sqrt(p1*(1-p1)+p2*(1-p2)))^2 / (p2-p1)^2
//
// The required size scales inversely with the square of the detectable
// effect and grows as alpha shrinks or power grows.
func Analyze(in Input) (*models.PowerAnalysis, error) {
	if in.BaselineRate <= 0 || in.BaselineRate >= 1 {
		return nil, ErrBaselineRate
	}

	if in.SignificanceLevel <= 0 || in.SignificanceLevel >= 1 {
		return nil, ErrSignificance
	}

	if in.PowerLevel <= 0 || in.PowerLevel >= 1 {
		return nil, ErrPower
	}

	if in.MinDetectableEffect <= 0 {
		return nil, ErrEffect
	}

	p1 := in.BaselineRate
	p2 := p1 * (1 + in.MinDetectableEffect)

	if p2 >= 1 {
		p2 = 1 - 1e-9
	}

	pbar := (p1 + p2) / 2
	delta := p2 - p1

	zAlpha := Quantile(1 - in.SignificanceLevel/2)
	zBeta := Quantile(in.PowerLevel)

	numerator := zAlpha*math.Sqrt(2*pbar*(1-pbar)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := math.Ceil(numerator * numerator / (delta * delta))

	analysis := &models.PowerAnalysis{
		BaselineRate:        in.BaselineRate,
		SignificanceLevel:   in.SignificanceLevel,
		PowerLevel:          in.PowerLevel,
		MinDetectableEffect: in.MinDetectableEffect,
		DailyTraffic:        in.DailyTraffic,
		RequiredSampleSize:  int64(n),
		Assumptions: []string{
			"two-sided two-proportion z-test under the normal approximation",
			fmt.Sprintf("minimum detectable effect is relative: baseline %.4f vs treatment %.4f", p1, p2),
			"variants receive equal traffic shares",
		},
	}

	if in.DailyTraffic > 0 {
		// Every arm must reach n, so the experiment needs variants*n
		// subjects of daily eligible traffic.
		variants := in.Variants
		if variants < 2 {
			variants = 2
		}

		days := math.Ceil(float64(variants) * n / float64(in.DailyTraffic))
		analysis.EstimatedDuration = time.Duration(days) * 24 * time.Hour
	}

	return analysis, nil
}

// Quantile is the inverse standard normal CDF.
func Quantile(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// CDF is the standard normal CDF.
func CDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
