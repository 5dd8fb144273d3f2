// internal/repository/pricing.go
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/javajoker/accredit-backend/internal/models"
)

var ErrPriceNotFound = errors.New("no price configured")

// PriceNotEffectiveError means prices exist but none covers the requested
// date. Boundary is the closest window edge.
type PriceNotEffectiveError struct {
	Boundary time.Time
	Future   bool
}

func (e *PriceNotEffectiveError) Error() string {
	if e.Future {
		return fmt.Sprintf("price becomes effective on %s", e.Boundary.Format("2006-01-02"))
	}
	return fmt.Sprintf("price expired on %s", e.Boundary.Format("2006-01-02"))
}

// SelectEffectivePrice picks the price whose window contains asOf, the
// most recently started one winning overlaps.
func SelectEffectivePrice(prices []models.CoursePrice, asOf time.Time) (*models.CoursePrice, error) {
	if len(prices) == 0 {
		return nil, ErrPriceNotFound
	}

	var effective, nextFuture, lastPast *models.CoursePrice
	for i := range prices {
		p := &prices[i]
		switch {
		case p.EffectiveAt(asOf):
			if effective == nil || p.EffectiveFrom.After(effective.EffectiveFrom) {
				effective = p
			}
		case asOf.Before(p.EffectiveFrom):
			if nextFuture == nil || p.EffectiveFrom.Before(nextFuture.EffectiveFrom) {
				nextFuture = p
			}
		default:
			if lastPast == nil || p.EffectiveTo.After(*lastPast.EffectiveTo) {
				lastPast = p
			}
		}
	}

	if effective != nil {
		return effective, nil
	}
	if nextFuture != nil {
		return nil, &PriceNotEffectiveError{Boundary: nextFuture.EffectiveFrom, Future: true}
	}
	return nil, &PriceNotEffectiveError{Boundary: *lastPast.EffectiveTo, Future: false}
}
