// Package safety classifies shell commands as known-safe read-only idioms.
// Safe commands run unsandboxed without approval; everything else goes
// through the sandbox/approval gate.
package safety

import (
	"regexp"
	"runtime"
	"strings"
)

// shellMetachars matches characters that change shell parsing; a script
// containing any of them is never unwrapped for safety analysis.
var shellMetachars = regexp.MustCompile("[;&|`$<>(){}*?!~#\\\\\"']")

// sedRangePattern matches the read-only sed form `N,Mp` or `Np`.
var sedRangePattern = regexp.MustCompile(`^\d+(,\d+)?p$`)

// safeBins are executables that only read when invoked without redirections.
var safeBins = map[string]struct{}{
	"cat":      {},
	"cd":       {},
	"basename": {},
	"dirname":  {},
	"echo":     {},
	"false":    {},
	"grep":     {},
	"head":     {},
	"ls":       {},
	"nl":       {},
	"pwd":      {},
	"rg":       {},
	"tail":     {},
	"true":     {},
	"uniq":     {},
	"wc":       {},
	"which":    {},
}

// safeGitSubcommands are read-only git operations.
var safeGitSubcommands = map[string]struct{}{
	"branch": {},
	"diff":   {},
	"log":    {},
	"show":   {},
	"status": {},
}

// ripgrepWriteFlags would make rg spawn or write; their presence disqualifies
// the command.
var ripgrepWriteFlags = map[string]struct{}{
	"--pre":        {},
	"--search-zip": {},
	"-z":           {},
}

// IsSafeCommand reports whether the argv is a known-safe read-only command.
// On Windows there is no curated table yet; everything is treated as unsafe.
func IsSafeCommand(command []string) bool {
	if runtime.GOOS == "windows" {
		return isSafeCommandWindows(command)
	}
	return isSafeCommandUnix(command)
}

// isSafeCommandWindows is a stub pending a curated list of safe Windows
// commands.
func isSafeCommandWindows(_ []string) bool {
	return false
}

func isSafeCommandUnix(command []string) bool {
	if isSafeToCallWithExec(command) {
		return true
	}
	// `bash -lc "<script>"` wrapping a single plain-word safe command is
	// equivalent to running it directly.
	if script, ok := unwrapBashLC(command); ok {
		words, ok := plainWords(script)
		if !ok {
			return false
		}
		return isSafeToCallWithExec(words)
	}
	return false
}

func isSafeToCallWithExec(command []string) bool {
	if len(command) == 0 {
		return false
	}
	cmd := command[0]
	switch {
	case cmd == "sed":
		return isSafeSed(command)
	case cmd == "git":
		if len(command) < 2 {
			return false
		}
		_, ok := safeGitSubcommands[command[1]]
		return ok
	case cmd == "rg":
		for _, arg := range command[1:] {
			if _, bad := ripgrepWriteFlags[arg]; bad {
				return false
			}
			if strings.HasPrefix(arg, "--pre=") {
				return false
			}
		}
		return true
	default:
		_, ok := safeBins[cmd]
		return ok
	}
}

// isSafeSed accepts only `sed -n <range>p [file...]`.
func isSafeSed(command []string) bool {
	if len(command) < 3 || command[0] != "sed" || command[1] != "-n" {
		return false
	}
	return sedRangePattern.MatchString(command[2])
}

func unwrapBashLC(command []string) (string, bool) {
	if len(command) != 3 {
		return "", false
	}
	if command[0] != "bash" && command[0] != "/bin/bash" {
		return "", false
	}
	if command[1] != "-lc" && command[1] != "-c" {
		return "", false
	}
	return command[2], true
}

// plainWords splits a script on spaces, refusing anything that needs real
// shell parsing.
func plainWords(script string) ([]string, bool) {
	trimmed := strings.TrimSpace(script)
	if trimmed == "" || shellMetachars.MatchString(trimmed) {
		return nil, false
	}
	return strings.Fields(trimmed), true
}
