package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/aurelay/aurelay/internal/plugin"
	"github.com/aurelay/aurelay/internal/registry"
	"github.com/aurelay/aurelay/internal/resilience"
)

// RegistryFrozen reports ready once the provider registry has been frozen.
// Until then the startup sequence is still registering constructors and new
// sessions cannot be opened.
func RegistryFrozen(reg *registry.Registry) Checker {
	return Checker{
		Name: "registry",
		Check: func(context.Context) error {
			if !reg.Frozen() {
				return fmt.Errorf("provider registry not yet frozen")
			}
			return nil
		},
	}
}

// Breakers fails when any circuit breaker in the set is open: every call to
// that provider endpoint is being rejected, so new sessions would come up
// degraded. Half-open breakers count as healthy — a probe is in flight.
func Breakers(set *resilience.BreakerSet) Checker {
	return Checker{
		Name: "breakers",
		Check: func(context.Context) error {
			var open []string
			set.Each(func(providerID, endpoint string, cb *resilience.CircuitBreaker) {
				if cb.State() == resilience.StateOpen {
					open = append(open, providerID+"/"+endpoint)
				}
			})
			if len(open) > 0 {
				return fmt.Errorf("open circuit breakers: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// Plugin pings one out-of-process provider plugin over its stdio transport.
func Plugin(name string, host *plugin.Host) Checker {
	return Checker{
		Name: "plugin:" + name,
		Check: func(ctx context.Context) error {
			return host.Ping(ctx)
		},
	}
}
