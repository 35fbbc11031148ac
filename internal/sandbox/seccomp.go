package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
)

type SeccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []SeccompSyscall `json:"syscalls"`
}

type SeccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DefaultSeccompProfile allows ordinary process, file and loopback network
// activity (node, python and headless chromium all need it) and refuses the
// syscalls that reach the host kernel's global state.
func DefaultSeccompProfile() SeccompProfile {
	return SeccompProfile{
		DefaultAction: "SCMP_ACT_ALLOW",
		Architectures: []string{
			"SCMP_ARCH_X86_64",
			"SCMP_ARCH_X86",
			"SCMP_ARCH_AARCH64",
			"SCMP_ARCH_ARM",
		},
		Syscalls: []SeccompSyscall{
			{Names: []string{"mount", "umount", "umount2", "pivot_root", "chroot"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"reboot", "swapon", "swapoff", "acct"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"kexec_load", "kexec_file_load"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"init_module", "finit_module", "delete_module", "create_module"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"ptrace", "process_vm_readv", "process_vm_writev", "kcmp"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"bpf", "perf_event_open", "userfaultfd"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"setns", "open_by_handle_at", "name_to_handle_at"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"settimeofday", "clock_settime", "clock_adjtime", "adjtimex", "stime"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"sethostname", "setdomainname", "ioperm", "iopl"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"add_key", "request_key", "keyctl", "quotactl"}, Action: "SCMP_ACT_ERRNO"},
		},
	}
}

// LoadSeccompProfile returns the profile JSON handed to the runtime through
// SecurityOpt. An empty path yields the built-in profile.
func LoadSeccompProfile(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read seccomp profile: %w", err)
		}
		var parsed SeccompProfile
		if err := json.Unmarshal(data, &parsed); err != nil {
			return "", fmt.Errorf("invalid seccomp profile %s: %w", path, err)
		}
		return string(data), nil
	}

	data, err := json.Marshal(DefaultSeccompProfile())
	if err != nil {
		return "", err
	}
	return string(data), nil
}
