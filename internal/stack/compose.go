package stack

import (
	"os"
	"path/filepath"
)

// AcceptedComposeFileNames in preference order.
var AcceptedComposeFileNames = []string{
	"compose.yaml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"compose.yml",
}

const (
	// GlobalEnvFileName lives in the stacks root and applies to every stack.
	GlobalEnvFileName = "global.env"
	localEnvFileName  = ".env"

	// SettingDisableGlobalEnv turns off global.env injection when "true".
	SettingDisableGlobalEnv = "disableGlobalEnv"
)

// findComposeFile returns the first accepted compose file name present in
// dir, or "" when there is none.
func findComposeFile(dir string) string {
	for _, name := range AcceptedComposeFileNames {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && !fi.IsDir() {
			return name
		}
	}
	return ""
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// composeArgs builds the argument list for one compose subcommand. The
// global env file comes before the local one so the local file wins.
func (s *Stack) composeArgs(command string, extra ...string) []string {
	args := []string{"compose"}

	if s.reg != nil && !s.reg.globalEnvDisabled() {
		global := filepath.Join(s.reg.root, GlobalEnvFileName)
		if fileExists(global) {
			args = append(args, "--env-file", global)
			if fileExists(filepath.Join(s.Path, localEnvFileName)) {
				args = append(args, "--env-file", "./"+localEnvFileName)
			}
		}
	}

	args = append(args, command)
	return append(args, extra...)
}
