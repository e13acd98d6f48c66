package binload

import "testing"

func TestInstrLen(t *testing.T) {
	tests := []struct {
		name  string
		half  uint16
		width int
	}{
		{"compressed quadrant 0", 0b0000000000000000, 2},
		{"compressed quadrant 1", 0b0000000000000001, 2},
		{"compressed quadrant 2", 0b0000000000000010, 2},
		{"full-width quadrant 3", 0b0000000000000011, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := instrLen(tt.half); got != tt.width {
				t.Errorf("instrLen(%016b) = %d, want %d", tt.half, got, tt.width)
			}
		})
	}
}

func TestIsCallInstrJAL(t *testing.T) {
	// jal ra, 0: opcode=0b1101111, rd=1 (ra) at bits [11:7].
	raw := uint32(opJAL) | uint32(raReg)<<7
	if !isCallInstr(raw, 4) {
		t.Errorf("jal ra,... should be a callsite")
	}
}

func TestIsCallInstrJALRNotRA(t *testing.T) {
	// jalr x5, 0(x0): rd=5, not ra.
	raw := uint32(opJALR) | uint32(5)<<7
	if isCallInstr(raw, 4) {
		t.Errorf("jalr with rd != ra should not be a callsite")
	}
}

func TestIsCallInstrNonJump(t *testing.T) {
	// add x1, x0, x0 (opcode 0110011) is not a call instruction.
	raw := uint32(0b0110011) | uint32(1)<<7
	if isCallInstr(raw, 4) {
		t.Errorf("non-jump instruction should not be a callsite")
	}
}

func TestIsCallInstrCompressedJAL(t *testing.T) {
	// c.jal: quadrant 01 (bits [1:0]=01), funct3=001 (bits [15:13]=001).
	raw := uint32(0b001<<13) | uint32(0b01)
	if !isCallInstr(raw, 2) {
		t.Errorf("c.jal should be a callsite")
	}
}
