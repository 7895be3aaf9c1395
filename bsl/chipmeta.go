package bsl

// ChipMeta supplies the per-hardware-code download parameters the session
// cannot derive on its own. A metadata provider owns the lookup tables; the
// session treats it as a pure function of the hardware code.
type ChipMeta struct {
	// FDL load addresses in target RAM.
	FDL1Addr uint32
	FDL2Addr uint32
	// BypassAddr is the execution address for the optional signature-bypass
	// payload; zero when the chip needs none.
	BypassAddr uint32
	// Flavor names the expected protocol variant, informational only.
	Flavor string
}

// MetaProvider resolves a hardware code to its chip metadata.
type MetaProvider interface {
	Lookup(hwCode uint16) (ChipMeta, error)
}
