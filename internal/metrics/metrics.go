// Package metrics registers the service's prometheus counters on the
// default registry, exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herdbook_logins_total",
		Help: "Login attempts by method and outcome.",
	}, []string{"method", "outcome"})

	RefreshRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herdbook_refresh_rotations_total",
		Help: "Refresh-token rotations by outcome.",
	}, []string{"outcome"})

	WebAuthnCeremonies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herdbook_webauthn_ceremonies_total",
		Help: "WebAuthn ceremony phases by ceremony and outcome.",
	}, []string{"ceremony", "outcome"})

	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herdbook_refresh_sessions_swept_total",
		Help: "Expired refresh sessions removed by the sweep.",
	})
)
