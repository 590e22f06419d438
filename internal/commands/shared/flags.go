// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import "github.com/tombee/rendezvous/internal/config"

// globals holds the persistent flags of the root command. Subcommands read
// them through the accessors below rather than looking flags up by name.
var globals struct {
	verbose    bool
	quiet      bool
	json       bool
	configPath string
}

// build is stamped by main from linker flags.
var build = struct {
	version, commit, date string
}{version: "dev", commit: "unknown", date: "unknown"}

// RegisterFlagPointers returns the verbose, quiet, json and config flag
// targets for the root command to bind.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &globals.verbose, &globals.quiet, &globals.json, &globals.configPath
}

// SetVersion records the build information printed by 'rendezvous version'.
func SetVersion(version, commit, date string) {
	build.version, build.commit, build.date = version, commit, date
}

// GetVersion returns the version, commit and build date.
func GetVersion() (string, string, string) {
	return build.version, build.commit, build.date
}

// GetVerbose reports whether debug logging was requested.
func GetVerbose() bool { return globals.verbose }

// GetQuiet reports whether only errors should be logged and styled
// progress lines suppressed.
func GetQuiet() bool { return globals.quiet }

// GetJSON reports whether output should be the JSON envelope.
func GetJSON() bool { return globals.json }

// GetConfigPath returns the config file path, or the default location when
// --config was not given.
func GetConfigPath() string {
	if globals.configPath == "" {
		return config.DefaultPath()
	}
	return globals.configPath
}

// ResetFlagsForTest restores every global flag to its zero value.
func ResetFlagsForTest() {
	globals.verbose, globals.quiet, globals.json, globals.configPath = false, false, false, ""
}

// SetConfigPathForTest points GetConfigPath at path.
func SetConfigPathForTest(path string) {
	globals.configPath = path
}
