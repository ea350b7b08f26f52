package sandbox

import "strings"

// NoPromptFlag is emitted when a PermissionSet grants nothing, so the
// interpreter denies every capability instead of asking for it.
const NoPromptFlag = "--no-prompt"

// PermissionSet lists the capabilities the interpreter grants for one run.
// The zero value denies everything.
type PermissionSet struct {
	AllowRead   []string `json:"allow_read,omitempty"`
	AllowWrite  []string `json:"allow_write,omitempty"`
	AllowNet    []string `json:"allow_net,omitempty"`
	AllowEnv    []string `json:"allow_env,omitempty"`
	AllowRun    []string `json:"allow_run,omitempty"`
	AllowSys    []string `json:"allow_sys,omitempty"`
	AllowFFI    bool     `json:"allow_ffi,omitempty"`
	AllowHRTime bool     `json:"allow_hrtime,omitempty"`
	Prompt      bool     `json:"prompt,omitempty"`
}

// Flags compiles the set into interpreter flags.
func (p PermissionSet) Flags() []string {
	var flags []string

	lists := []struct {
		name   string
		values []string
	}{
		{"read", p.AllowRead},
		{"write", p.AllowWrite},
		{"net", p.AllowNet},
		{"env", p.AllowEnv},
		{"run", p.AllowRun},
		{"sys", p.AllowSys},
	}
	for _, l := range lists {
		if len(l.values) > 0 {
			flags = append(flags, listFlag(l.name, l.values))
		}
	}

	if p.AllowFFI {
		flags = append(flags, "--allow-ffi")
	}
	if p.AllowHRTime {
		flags = append(flags, "--allow-hrtime")
	}
	if p.Prompt {
		flags = append(flags, "--prompt")
	}

	if len(flags) == 0 {
		flags = append(flags, NoPromptFlag)
	}
	return flags
}

// Flags compiles the module policy: the base permission flags, an
// --allow-import grant, a single merged --allow-net grant covering both
// explicit hosts and import hosts, and --reload when caching is off.
func (c ModuleExecutionConfig) Flags() []string {
	flags := c.Permissions.Flags()

	if c.AllowURLImports {
		hosts := c.ImportHosts()
		flags = append(flags, listFlag("import", hosts))

		netHosts := dedupe(append(append([]string{}, c.Permissions.AllowNet...), hosts...))
		if len(netHosts) > 0 {
			merged := flags[:0]
			for _, f := range flags {
				if !strings.HasPrefix(f, "--allow-net") {
					merged = append(merged, f)
				}
			}
			flags = append(merged, listFlag("net", netHosts))
		}
	}

	if !c.CacheImports {
		flags = append(flags, "--reload")
	}
	return flags
}

func listFlag(name string, values []string) string {
	return "--allow-" + name + "=" + strings.Join(values, ",")
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
