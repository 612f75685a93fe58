package terminal

import "strconv"

// Terminal geometry defaults.
const (
	Cols         = 105
	Rows         = 10
	ProgressRows = 8
	CombinedCols = 58
	CombinedRows = 20
	ConsoleRows  = 50
)

// MainConsoleName is the singleton name of the main console session.
const MainConsoleName = "console"

// ComposeName names the session running lifecycle actions of a stack.
func ComposeName(endpoint, stack string) string {
	return "compose-" + endpoint + "-" + stack
}

// CombinedName names the log-follow session of a stack.
func CombinedName(endpoint, stack string) string {
	return "combined-" + endpoint + "-" + stack
}

// ContainerExecName names an interactive shell in one service replica.
func ContainerExecName(endpoint, stack, service string, index int) string {
	return "container-exec-" + endpoint + "-" + stack + "-" + service + "-" + strconv.Itoa(index)
}
