package nvmekit

import "time"

// Subsystem wraps a Controller with the power-management operations
// pynvme's NVMe subsystem exposes over sysfs on real hardware. This
// driver has no sysfs to drive, so power_cycle simulates the
// power-off/power-on pair directly against the wrapped Controller and
// its register window.
type Subsystem struct {
	controller      *Controller
	powerCycleCount uint32
}

// NewSubsystem wraps c.
func NewSubsystem(c *Controller) *Subsystem {
	return &Subsystem{controller: c}
}

// Controller returns the wrapped controller.
func (s *Subsystem) Controller() *Controller { return s.controller }

// PowerCycleCount returns the simulated SMART power-cycle-count field,
// incremented once per PowerCycle call.
func (s *Subsystem) PowerCycleCount() uint32 { return s.powerCycleCount }

// PowerCycle simulates removing and restoring power for d before
// re-running the controller's enable sequence, incrementing the
// simulated power-cycle-count SMART field by exactly one. Any
// outstanding commands at the moment of power-off are cancelled the
// same way Controller.Reset cancels them.
func (s *Subsystem) PowerCycle(d time.Duration) error {
	if d < 0 {
		return NewError("power_cycle", ErrCodeInvalidParameters, "power_cycle duration must be non-negative")
	}
	if s.controller.win == nil {
		return NewDeviceError("power_cycle", s.controller.id, ErrCodeInvalidParameters, "power_cycle requires a PCIe-backed controller")
	}

	if err := s.controller.disableAndWait(); err != nil {
		return WrapError("power_cycle", err)
	}

	s.controller.mu.Lock()
	for _, qp := range s.controller.ioQueues {
		qp.ResetState()
	}
	s.controller.mu.Unlock()
	s.controller.admin.ResetState()

	time.Sleep(d)

	if err := s.controller.defaultInit(); err != nil {
		return WrapError("power_cycle", err)
	}

	s.powerCycleCount++
	return nil
}
