package healthcheck

// HealthcheckFunc returns a status message, and whether the check is healthy.
// Healthchecks must not block, downstream dependencies are reported on from
// state gathered by normal operation and not by making a roundtrip.
type HealthcheckFunc func() (string, HealthyStatus)

type HealthyStatus bool

const (
	Healthy   = HealthyStatus(true)
	Unhealthy = HealthyStatus(false)
)

// HealthCheckProvider reports whether the process is ready to take traffic.
type HealthCheckProvider interface {
	HealthChecks() []HealthcheckFunc
}

// DeepCheckProvider reports on downstream dependencies.
type DeepCheckProvider interface {
	DeepChecks() []HealthcheckFunc
}

// MaybeAppendHealthChecks appends the checks of every provider implementing
// HealthCheckProvider or DeepCheckProvider.
func MaybeAppendHealthChecks(healthChecks []HealthcheckFunc, deepChecks []HealthcheckFunc, maybeProviders ...interface{}) ([]HealthcheckFunc, []HealthcheckFunc) {
	for _, maybeProvider := range maybeProviders {
		if hcp, ok := maybeProvider.(HealthCheckProvider); ok {
			healthChecks = append(healthChecks, hcp.HealthChecks()...)
		}
		if dcp, ok := maybeProvider.(DeepCheckProvider); ok {
			deepChecks = append(deepChecks, dcp.DeepChecks()...)
		}
	}
	return healthChecks, deepChecks
}
