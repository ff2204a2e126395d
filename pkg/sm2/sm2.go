// Package sm2 implements the SM-2 spaced repetition algorithm with a
// difficulty adjustment and a mastery suggestion heuristic.
package sm2

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidQuality indicates a quality rating outside the valid 0-5 range.
var ErrInvalidQuality = errors.New("quality must be between 0 and 5")

// MinEaseFactor is the floor for the ease factor, per SM-2.
const MinEaseFactor = 1.3

// Result holds the updated scheduling state after a review.
type Result struct {
	EaseFactor   float64   `json:"ease_factor"`
	IntervalDays int       `json:"interval_days"`
	Repetitions  int       `json:"repetitions"`
	NextReviewAt time.Time `json:"next_review_at"`

	// SuggestedMastery is an advisory target mastery level derived from the
	// review performance. Nil when the change from current mastery would be
	// below the 0.05 emission threshold. Callers may override it.
	SuggestedMastery *float64 `json:"suggested_mastery,omitempty"`
}

// CalculateNextReview computes the next review schedule for a concept.
//
// Quality is a 0-5 rating of response quality:
//
//	5: perfect response
//	4: correct after hesitation
//	3: correct with serious difficulty
//	2: incorrect, but correct answer easy to recall
//	1: incorrect, correct answer remembered
//	0: complete blackout
//
// difficulty (0-1) shortens intervals for harder concepts. The returned
// NextReviewAt is relative to now, which callers inject for determinism.
func CalculateNextReview(
	quality int,
	difficulty float64,
	currentEaseFactor float64,
	currentInterval int,
	currentRepetitions int,
	currentMastery float64,
	now time.Time,
) (*Result, error) {
	if quality < 0 || quality > 5 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuality, quality)
	}

	// SM-2 ease factor update, floored at 1.3.
	q := float64(quality)
	newEase := currentEaseFactor + (0.1 - (5-q)*(0.08+(5-q)*0.02))
	newEase = math.Max(MinEaseFactor, newEase)

	var newInterval, newRepetitions int
	if quality >= 3 {
		switch currentRepetitions {
		case 0:
			newInterval = 1
		case 1:
			newInterval = 6
		default:
			// Ties round to even, so an exact .5 product never inflates the
			// interval.
			newInterval = int(math.RoundToEven(float64(currentInterval) * newEase))
		}
		newRepetitions = currentRepetitions + 1
	} else {
		// Failed recall: reset the schedule. The ease factor is kept but
		// must not increase on failure.
		newRepetitions = 0
		newInterval = 1
		newEase = math.Min(newEase, currentEaseFactor)
	}

	// Harder concepts get shorter intervals (factor 0.7-1.0), minimum 1 day.
	difficultyFactor := 1 - difficulty*0.3
	newInterval = int(math.RoundToEven(float64(newInterval) * difficultyFactor))
	if newInterval < 1 {
		newInterval = 1
	}

	return &Result{
		EaseFactor:       round2(newEase),
		IntervalDays:     newInterval,
		Repetitions:      newRepetitions,
		NextReviewAt:     now.AddDate(0, 0, newInterval),
		SuggestedMastery: suggestedMastery(quality, newRepetitions, currentMastery),
	}, nil
}

// suggestedMastery maps review performance to a target mastery level.
// Returns nil if the change from current mastery is not meaningful (< 0.05).
func suggestedMastery(quality, repetitions int, currentMastery float64) *float64 {
	var target float64
	switch {
	case quality >= 4 && repetitions >= 4:
		target = 0.9 + float64(quality-4)*0.05 // 0.90-0.95
	case quality >= 4 && repetitions >= 2:
		target = 0.75 + float64(quality-4)*0.05 // 0.75-0.80
	case quality >= 3 && repetitions >= 2:
		target = 0.6
	case quality >= 3:
		target = 0.4
	case quality >= 2:
		target = 0.25
	default:
		target = math.Max(0.1, currentMastery-0.1)
	}

	if math.Abs(target-currentMastery) < 0.05 {
		return nil
	}
	target = round2(target)
	return &target
}

// OverallMastery combines the three mastery dimensions into a single level.
// Weights: recall 30%, application 40%, explanation 30%.
func OverallMastery(recall, application, explanation float64) float64 {
	return round2(0.3*recall + 0.4*application + 0.3*explanation)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
