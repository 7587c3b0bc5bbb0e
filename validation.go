package ustack

import "errors"

// Validator accumulates validation errors encountered while checking a
// frame's size and field invariants, so a single walk over a header can
// report every problem found instead of bailing out on the first one.
// The zero value is ready to use. Each protocol package (ethernet, arp,
// ipv4, udp, tcp) implements its own ValidateSize/ValidateExceptCRC
// methods against a shared *Validator so callers compose validation
// across layers with one accumulator.
type Validator struct {
	flags ValidateFlags
	accum []error
}

// NewValidator returns a Validator configured with the given flags.
func NewValidator(flags ValidateFlags) Validator {
	return Validator{flags: flags}
}

// ResetErr clears any accumulated errors, readying v for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

// AddError appends err to the accumulated error set.
func (v *Validator) AddError(err error) {
	v.accum = append(v.accum, err)
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool {
	return len(v.accum) > 0
}

// Flags returns the validation flags this Validator was configured with.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// Err returns the accumulated errors joined with errors.Join, or nil if
// none were recorded.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns and clears the accumulated error set, equivalent to
// calling Err followed by ResetErr.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// ValidateFlags controls optional, stricter validation behavior.
type ValidateFlags uint8

const (
	// ValidateEvilBit enables rejection of IPv4 datagrams with the
	// RFC 3514 evil bit set.
	ValidateEvilBit ValidateFlags = 1 << iota
)
