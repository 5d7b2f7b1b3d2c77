// Package permission is the stateless policy decision point that classifies
// commands and candidate write paths as allow, ask or deny. It is invoked
// identically before command execution and before patch application, is
// deterministic and side-effect-free, and its decisions are never persisted
// apart from the action they gated.
package permission

import (
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Action is the policy outcome for a command or path.
type Action string

const (
	Allow Action = "allow"
	Ask   Action = "ask"
	Deny  Action = "deny"
)

// Reason codes carried on decisions.
const (
	ReasonOK                  = "ok"
	ReasonDestructiveDelete   = "destructive_delete"
	ReasonPrivilegeEscalation = "privilege_escalation"
	ReasonRawDiskAccess       = "raw_disk_access"
	ReasonFetchAndExecute     = "fetch_and_execute"
	ReasonPackageInstall      = "package_install"
	ReasonUnparseable         = "unparseable_command"
	ReasonOutsideWorkspace    = "outside_workspace"
	ReasonOutsideScope        = "outside_scope"
)

// Decision is the result of a policy check. Recomputed per call; never stored
// independently of the action it gated.
type Decision struct {
	OK     bool   `json:"ok"`
	Action Action `json:"action"`
	Input  string `json:"input"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason"`
}

func decide(action Action, input, target, reason string) Decision {
	return Decision{
		OK:     action == Allow,
		Action: action,
		Input:  input,
		Target: target,
		Reason: reason,
	}
}

// CheckCommand classifies a shell command. Destructive patterns deny,
// ambiguous patterns ask, everything else is allowed. Commands the shell
// parser cannot make sense of degrade to ask rather than allow.
func CheckCommand(command string) Decision {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return decide(Ask, command, "", ReasonUnparseable)
	}

	result := decide(Allow, command, "", ReasonOK)

	syntax.Walk(file, func(node syntax.Node) bool {
		if result.Action == Deny {
			return false
		}

		switch x := node.(type) {
		case *syntax.CallExpr:
			if d, flagged := checkCall(command, x); flagged {
				// Deny always wins over ask.
				if d.Action == Deny || result.Action == Allow {
					result = d
				}
			}
		case *syntax.BinaryCmd:
			if x.Op == syntax.Pipe || x.Op == syntax.PipeAll {
				if pipesFetchToShell(x) && result.Action == Allow {
					result = decide(Ask, command, "", ReasonFetchAndExecute)
				}
			}
		}
		return true
	})

	return result
}

func checkCall(command string, call *syntax.CallExpr) (Decision, bool) {
	argv := callArgv(call)
	if len(argv) == 0 {
		return Decision{}, false
	}
	name := filepath.Base(argv[0])

	switch name {
	case "sudo", "su", "doas":
		return decide(Deny, command, "", ReasonPrivilegeEscalation), true

	case "rm", "shred":
		for _, arg := range argv[1:] {
			if arg == "-r" || arg == "-R" || arg == "--recursive" ||
				(strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsAny(arg, "rR")) {
				return decide(Deny, command, "", ReasonDestructiveDelete), true
			}
		}
		if name == "shred" {
			return decide(Deny, command, "", ReasonDestructiveDelete), true
		}

	case "dd":
		for _, arg := range argv[1:] {
			if strings.HasPrefix(arg, "of=/dev/") {
				return decide(Deny, command, "", ReasonRawDiskAccess), true
			}
		}

	case "fdisk", "parted", "wipefs":
		return decide(Deny, command, "", ReasonRawDiskAccess), true

	case "apt", "apt-get", "yum", "dnf", "brew", "pacman":
		if hasSubcommand(argv, "install") {
			return decide(Ask, command, "", ReasonPackageInstall), true
		}
	case "pip", "pip3", "npm", "cargo":
		if hasSubcommand(argv, "install") || (name == "npm" && hasSubcommand(argv, "i")) {
			return decide(Ask, command, "", ReasonPackageInstall), true
		}
	case "go":
		if hasSubcommand(argv, "install") || hasSubcommand(argv, "get") {
			return decide(Ask, command, "", ReasonPackageInstall), true
		}
	}

	if strings.HasPrefix(name, "mkfs") {
		return decide(Deny, command, "", ReasonRawDiskAccess), true
	}

	return Decision{}, false
}

func hasSubcommand(argv []string, sub string) bool {
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg == sub
	}
	return false
}

var fetchCommands = map[string]bool{"curl": true, "wget": true, "fetch": true}
var shellCommands = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true}

// pipesFetchToShell reports whether a pipeline feeds a network fetch into a
// shell interpreter (curl ... | sh and friends).
func pipesFetchToShell(cmd *syntax.BinaryCmd) bool {
	left := commandNames(cmd.X)
	right := commandNames(cmd.Y)

	fetches := false
	for _, n := range left {
		if fetchCommands[n] {
			fetches = true
		}
	}
	if !fetches {
		return false
	}
	for _, n := range right {
		if shellCommands[n] {
			return true
		}
	}
	return false
}

// commandNames collects the base names of every command invoked in a subtree.
func commandNames(node syntax.Node) []string {
	var names []string
	syntax.Walk(node, func(n syntax.Node) bool {
		if call, ok := n.(*syntax.CallExpr); ok {
			if argv := callArgv(call); len(argv) > 0 {
				names = append(names, filepath.Base(argv[0]))
			}
		}
		return true
	})
	return names
}

// callArgv extracts literal argument text. Words that require expansion
// (variables, substitutions) render through the printer so flags like -rf in
// quoted form are still visible to the rules.
func callArgv(call *syntax.CallExpr) []string {
	printer := syntax.NewPrinter()
	argv := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		if lit := word.Lit(); lit != "" {
			argv = append(argv, lit)
			continue
		}
		var sb strings.Builder
		if err := printer.Print(&sb, word); err == nil {
			argv = append(argv, strings.Trim(sb.String(), `"'`))
		}
	}
	return argv
}

// CheckPath classifies a candidate write path. The path must resolve under the
// workspace root AND under at least one scope-allow root; violating either is
// a deny regardless of how benign the gating command looked. Relative paths
// resolve against the workspace root. An empty scope list defaults to the
// workspace root itself.
func CheckPath(path, workspaceRoot string, scopeAllow []string) Decision {
	root, err := filepath.Abs(filepath.Clean(workspaceRoot))
	if err != nil {
		return decide(Deny, path, "", ReasonOutsideWorkspace)
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	if !nestedUnder(root, target) {
		return decide(Deny, path, target, ReasonOutsideWorkspace)
	}

	roots := scopeAllow
	if len(roots) == 0 {
		roots = []string{root}
	}
	for _, scope := range roots {
		if !filepath.IsAbs(scope) {
			scope = filepath.Join(root, scope)
		}
		if nestedUnder(filepath.Clean(scope), target) {
			return decide(Allow, path, target, ReasonOK)
		}
	}

	return decide(Deny, path, target, ReasonOutsideScope)
}

// nestedUnder reports whether target sits at or below root, without touching
// the filesystem (patch previews check paths that do not exist yet).
func nestedUnder(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
