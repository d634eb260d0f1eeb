package decoder

// reg32Names maps a 3-bit ModR/M register index to its 32-bit name, in the
// standard IA-32 encoding order.
var reg32Names = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// reg8Names maps the same 3-bit index to the legacy 8-bit register name.
// Indices 4-7 alias the high bytes of EAX/ECX/EDX/EBX (AH/CH/DH/BH), not
// ESP/EBP/ESI/EDI, exactly as real IA-32 ModR/M encodes them without a REX
// prefix.
var reg8Names = [8]string{"AL", "CL", "DL", "BL", "AH", "CH", "DH", "BH"}

// registerName returns the register name for a 3-bit ModR/M index at the
// given operand width (1 or 4).
func registerName(index byte, width int) string {
	if width == 1 {
		return reg8Names[index&7]
	}
	return reg32Names[index&7]
}

// registerName32 always returns the 32-bit name, used for the registers
// that form a memory address (effective-address computation always uses
// the 32-bit addressing registers regardless of the operand's own width).
func registerName32(index byte) string {
	return reg32Names[index&7]
}
