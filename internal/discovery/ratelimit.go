// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package discovery

import "golang.org/x/time/rate"

// AcceptLimiter aplica token bucket aos accepts do listener de discovery.
// Protege o registry de enxurradas de conexão; com rate 0 vira bypass.
type AcceptLimiter struct {
	limiter *rate.Limiter
}

// NewAcceptLimiter cria o limiter. acceptRate em conexões/segundo;
// <= 0 desabilita (Allow sempre true).
func NewAcceptLimiter(acceptRate float64, burst int) *AcceptLimiter {
	if acceptRate <= 0 {
		return &AcceptLimiter{}
	}
	return &AcceptLimiter{limiter: rate.NewLimiter(rate.Limit(acceptRate), burst)}
}

// Allow consome um token; false significa recusar o accept.
func (l *AcceptLimiter) Allow() bool {
	if l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
