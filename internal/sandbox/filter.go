package sandbox

import (
	"golang.org/x/net/bpf"
)

// Layout of struct seccomp_data.
const (
	offsetNR   = 0
	offsetArch = 4
	offsetArg0 = 16 // low word on little-endian targets
)

// Filter return values and flags from linux/seccomp.h.
const (
	seccompRetKillProcess = 0x80000000
	seccompRetErrno       = 0x00050000
	seccompRetAllow       = 0x7fff0000

	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1
)

// rule denies one syscall. Calls whose first argument is listed in
// allowArg0 pass.
type rule struct {
	nr        uint32
	allowArg0 []uint32
}

// filterSpec describes a deny-list filter for one architecture.
type filterSpec struct {
	arch uint32 // AUDIT_ARCH_* value the filter is valid for
	// ceiling, if non-zero, rejects every syscall number at or above it.
	// On amd64 this closes the x32 ABI, whose numbers alias the deny list.
	ceiling uint32
	errno   uint32
	rules   []rule
}

// buildFilter assembles a classic BPF program that kills the process on
// an architecture mismatch, answers denied syscalls with errno and allows
// everything else.
func buildFilter(spec filterSpec) ([]bpf.RawInstruction, error) {
	deny := bpf.RetConstant{Val: seccompRetErrno | (spec.errno & 0xffff)}
	allow := bpf.RetConstant{Val: seccompRetAllow}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offsetArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: spec.arch, SkipTrue: 1},
		bpf.RetConstant{Val: seccompRetKillProcess},
		bpf.LoadAbsolute{Off: offsetNR, Size: 4},
	}
	if spec.ceiling != 0 {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: spec.ceiling, SkipFalse: 1},
			deny,
		)
	}

	for _, r := range spec.rules {
		block := ruleBlock(r, deny, allow)
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: r.nr, SkipFalse: uint8(len(block))})
		prog = append(prog, block...)
	}
	prog = append(prog, allow)

	return bpf.Assemble(prog)
}

// ruleBlock always ends in a return, so the accumulator may be clobbered.
func ruleBlock(r rule, deny, allow bpf.Instruction) []bpf.Instruction {
	if len(r.allowArg0) == 0 {
		return []bpf.Instruction{deny}
	}
	block := []bpf.Instruction{bpf.LoadAbsolute{Off: offsetArg0, Size: 4}}
	for i, v := range r.allowArg0 {
		block = append(block, bpf.JumpIf{
			Cond:     bpf.JumpEqual,
			Val:      v,
			SkipTrue: uint8(len(r.allowArg0) - i),
		})
	}
	return append(block, deny, allow)
}
