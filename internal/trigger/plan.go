package trigger

import (
	"fmt"

	"github.com/cjeanneret/RigSync/internal/rig"
)

// Plan is the resolved trigger topology of a session: the primary first,
// then the secondaries in configuration order.
type Plan struct {
	Order    []string
	Settings map[string]Setting
}

// NewPlan resolves the setting of every device. ids is the configuration
// order; primaryID must be one of them.
func NewPlan(ids []string, primaryID string, opts Options) (Plan, error) {
	opts = opts.withDefaults()
	if len(ids) == 0 {
		return Plan{}, fmt.Errorf("%w: no devices", ErrInvalidPlan)
	}
	if opts.PrimarySource != SourceSoftware && !isLine(opts.PrimarySource) {
		return Plan{}, fmt.Errorf("%w: primary source %q is neither Software nor a line", ErrInvalidPlan, opts.PrimarySource)
	}
	if !isLine(opts.SecondaryLine) {
		return Plan{}, fmt.Errorf("%w: secondary line %q is not a line", ErrInvalidPlan, opts.SecondaryLine)
	}

	p := Plan{
		Order:    make([]string, 0, len(ids)),
		Settings: make(map[string]Setting, len(ids)),
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return Plan{}, fmt.Errorf("%w: empty device id", ErrInvalidPlan)
		}
		if seen[id] {
			return Plan{}, fmt.Errorf("%w: device %s listed twice", ErrInvalidPlan, id)
		}
		seen[id] = true
	}
	if !seen[primaryID] {
		return Plan{}, fmt.Errorf("%w: primary %q is not among the devices", ErrInvalidPlan, primaryID)
	}

	p.Order = append(p.Order, primaryID)
	p.Settings[primaryID] = opts.Resolve(rig.Primary)
	for _, id := range ids {
		if id == primaryID {
			continue
		}
		p.Order = append(p.Order, id)
		p.Settings[id] = opts.Resolve(rig.Secondary)
	}
	return p, p.Validate()
}

// Primary returns the primary device id.
func (p Plan) Primary() string {
	if len(p.Order) == 0 {
		return ""
	}
	return p.Order[0]
}

// Validate checks that exactly one device is primary, that it comes
// first, and that its source is distinct from every secondary line.
func (p Plan) Validate() error {
	if len(p.Order) != len(p.Settings) {
		return fmt.Errorf("%w: %d devices ordered, %d configured", ErrInvalidPlan, len(p.Order), len(p.Settings))
	}
	primaries := 0
	for i, id := range p.Order {
		s, ok := p.Settings[id]
		if !ok {
			return fmt.Errorf("%w: no setting for %s", ErrInvalidPlan, id)
		}
		if s.Role == rig.Primary {
			primaries++
			if i != 0 {
				return fmt.Errorf("%w: primary %s is not first", ErrInvalidPlan, id)
			}
		}
	}
	if primaries != 1 {
		return fmt.Errorf("%w: %d primaries", ErrInvalidPlan, primaries)
	}
	primary := p.Settings[p.Order[0]]
	for _, id := range p.Order[1:] {
		if s := p.Settings[id]; s.Source == primary.Source {
			return fmt.Errorf("%w: primary source %s is also the input of %s", ErrInvalidPlan, primary.Source, id)
		}
	}
	return nil
}
