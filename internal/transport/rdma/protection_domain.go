package rdma

import "fmt"

// ProtectionDomain groups the memory registrations and queues of a device.
type ProtectionDomain struct {
	verbs  Verbs
	handle VerbsPD
}

// NewProtectionDomain allocates a protection domain on ctx.
func NewProtectionDomain(v Verbs, ctx VerbsContext) (*ProtectionDomain, error) {
	pd, err := v.AllocPD(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPDCreation, err)
	}

	return &ProtectionDomain{verbs: v, handle: pd}, nil
}

// Handle returns the verbs handle of the protection domain.
func (pd *ProtectionDomain) Handle() VerbsPD {
	return pd.handle
}

// Close deallocates the protection domain.
func (pd *ProtectionDomain) Close() error {
	if pd.handle == 0 {
		return nil
	}

	if err := pd.verbs.DeallocPD(pd.handle); err != nil {
		return fmt.Errorf("failed to deallocate protection domain: %w", err)
	}

	pd.handle = 0

	return nil
}
