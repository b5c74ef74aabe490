package devices

// InterruptRaiser is the line-only interface devices use to request or
// retract an edge on a PIC input line, without needing to reach into the
// hypervisor or know which controller (master/slave) owns the line.
type InterruptRaiser interface {
	RaiseIRQ(line uint8)
	LowerIRQ(line uint8)
}
