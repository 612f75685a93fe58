package terminal

import (
	"strings"

	"github.com/web-casa/casastack/internal/apperr"
)

// DefaultAllowedCommands are the programs the main console may start.
var DefaultAllowedCommands = []string{"docker", "ls", "cd", "dir"}

// allowedRawKeys pass through the console filter untouched.
var allowedRawKeys = []string{
	"\x03", // Ctrl+C
}

// dangerousMetacharacters chain, substitute, redirect or quote commands.
var dangerousMetacharacters = []string{
	"|", "&", ";", "`", "$", "(", ")", "{", "}",
	"<", ">", "\\", "\"", "'", "\n", "\r",
}

// IsCommandSafe reports whether cmd contains none of the shell
// metacharacters that allow injection.
func IsCommandSafe(cmd string) bool {
	for _, c := range dangerousMetacharacters {
		if strings.Contains(cmd, c) {
			return false
		}
	}
	return true
}

// IsCommandAllowed reports whether the first word of cmd is in allowed.
// The comparison is case-insensitive.
func IsCommandAllowed(cmd string, allowed []string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	for _, a := range allowed {
		if name == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// ScreenConsoleInput validates one line typed into the main console and
// returns the bytes to write to the shell. A trailing newline is
// normalised to a carriage return.
func ScreenConsoleInput(input string, allowed []string) (string, error) {
	for _, k := range allowedRawKeys {
		if input == k {
			return input, nil
		}
	}

	line := strings.TrimRight(input, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "\r", nil
	}
	if !IsCommandSafe(line) {
		return "", apperr.Validation("Command contains characters that are not allowed.")
	}
	if !IsCommandAllowed(line, allowed) {
		return "", apperr.Validation("Command %q is not allowed. Allowed commands: %s",
			strings.Fields(line)[0], strings.Join(allowed, ", "))
	}
	return line + "\r", nil
}
