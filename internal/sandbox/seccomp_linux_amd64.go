package sandbox

const (
	auditArch      = 0xc000003e // AUDIT_ARCH_X86_64
	syscallCeiling = 0x40000000 // __X32_SYSCALL_BIT
)
