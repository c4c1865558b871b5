package service

import (
	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

func incrementRefreshTokensIssued() {
	metrics.RefreshTokensIssued.Inc()
}

func incrementRefreshTokensRotated() {
	metrics.RefreshTokensRotated.Inc()
}

func addRefreshTokensRevoked(reason string, n int) {
	if n > 0 {
		metrics.RefreshTokensRevoked.WithLabelValues(reason).Add(float64(n))
	}
}

func incrementRefreshRejected(outcome string) {
	metrics.RefreshTokensRejected.WithLabelValues(outcome).Inc()
}

func incrementReuseDetected() {
	metrics.RefreshTokenReuseDetected.Inc()
}

func incrementFingerprintMismatch() {
	metrics.FingerprintMismatches.Inc()
}

func incrementAccessTokensIssued() {
	metrics.AccessTokensIssued.Inc()
}

func incrementSessionsCreated() {
	metrics.SessionsCreated.Inc()
}

func incrementSessionsInvalidated(reason string) {
	metrics.SessionsInvalidated.WithLabelValues(reason).Inc()
}
