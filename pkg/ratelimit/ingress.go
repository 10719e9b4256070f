package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Ingress caps the aggregate packet rate across all clients with a token
// bucket. It protects the pipeline from floods spread over many source
// addresses, which the per-client Manager cannot see.
type Ingress struct {
	limiter *rate.Limiter
}

// NewIngress returns nil when perSecond is zero; a nil *Ingress allows everything.
func NewIngress(perSecond float64) *Ingress {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	return &Ingress{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes one token at now.
func (i *Ingress) Allow(now time.Time) bool {
	if i == nil {
		return true
	}
	return i.limiter.AllowN(now, 1)
}
