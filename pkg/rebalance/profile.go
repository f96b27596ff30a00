package rebalance

import "strings"

// profileFlags returns the base rsync flag set for a performance profile
// (spec.md §4.4). All profiles run in atomic-move mode: --remove-source-files
// deletes each source file only after its bytes are durable on the
// destination, and progress reporting is always enabled.
func profileFlags(p Profile) []string {
	switch p {
	case ProfileFast:
		return []string{"-a", "--info=progress2", "--remove-source-files"}
	case ProfileIntegrity:
		return []string{"-aAXH", "--checksum", "--info=progress2", "--remove-source-files"}
	case ProfileBalanced:
		fallthrough
	default:
		return []string{"-aX", "--info=progress2", "--remove-source-files"}
	}
}

// BuildArgs constructs the rsync argument vector for one move: base profile
// flags, the user-supplied extra-flags string appended verbatim, then
// source and destination paths (spec.md §4.4: "never a shell string").
func BuildArgs(cfg CoreConfig, srcPath, destPath string) []string {
	args := append([]string(nil), profileFlags(cfg.Profile)...)
	if cfg.RsyncExtra != "" {
		args = append(args, strings.Fields(cfg.RsyncExtra)...)
	}
	args = append(args, ensureTrailingSlash(srcPath), ensureTrailingSlash(destPath))
	return args
}

func ensureTrailingSlash(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}
