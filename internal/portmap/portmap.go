// Package portmap defines the pluggable external port-mapping capability.
// A real NAT-PMP/PCP negotiator is a separate concern (see DESIGN.md); this
// package only specifies the interface every mapper implements and
// provides the two trivial variants the engine always needs: no mapping at
// all, and a user-supplied external port override.
package portmap

import (
	"context"
	"time"
)

// Mapping represents one active external port reservation, however it was
// obtained.
type Mapping interface {
	// ExternalPort is the port reachable from outside the NAT.
	ExternalPort() uint16
	// Lifetime is how long the mapping is valid for from the time it was
	// (re)established.
	Lifetime() time.Duration
	// Expiration is the absolute time the mapping lapses unless renewed.
	Expiration() time.Time
	// Renew extends the mapping's lifetime.
	Renew(ctx context.Context) error
	// TryDrop releases the mapping, best-effort; callers should not treat
	// a failure here as actionable.
	TryDrop(ctx context.Context)
}

// NoopMapper is the "None" variant: no port mapping is attempted, and the
// externally-reachable port is assumed to equal the local listen port
// (e.g. because the operator has configured static forwarding out of
// band).
type NoopMapper struct {
	port uint16
}

// NewNoopMapper wraps port as a mapping with an unbounded lifetime that
// never needs renewal.
func NewNoopMapper(port uint16) *NoopMapper {
	return &NoopMapper{port: port}
}

func (m *NoopMapper) ExternalPort() uint16 { return m.port }

func (m *NoopMapper) Lifetime() time.Duration { return 0 }

func (m *NoopMapper) Expiration() time.Time { return time.Time{} }

func (m *NoopMapper) Renew(ctx context.Context) error { return nil }

func (m *NoopMapper) TryDrop(ctx context.Context) {}

// ExternalOverrideMapper is the "ExternalPortOverride" variant: the
// operator has manually forwarded a specific external port to our local
// listen port (e.g. in their router's admin UI), so we just report it.
// Like NoopMapper it never expires, since there is no protocol session to
// renew.
type ExternalOverrideMapper struct {
	externalPort uint16
}

// NewExternalOverrideMapper records an operator-configured external port.
func NewExternalOverrideMapper(externalPort uint16) *ExternalOverrideMapper {
	return &ExternalOverrideMapper{externalPort: externalPort}
}

func (m *ExternalOverrideMapper) ExternalPort() uint16 { return m.externalPort }

func (m *ExternalOverrideMapper) Lifetime() time.Duration { return 0 }

func (m *ExternalOverrideMapper) Expiration() time.Time { return time.Time{} }

func (m *ExternalOverrideMapper) Renew(ctx context.Context) error { return nil }

func (m *ExternalOverrideMapper) TryDrop(ctx context.Context) {}

var (
	_ Mapping = (*NoopMapper)(nil)
	_ Mapping = (*ExternalOverrideMapper)(nil)
)
