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

// Global flag values - set by root command
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string
	outputFlag  string
	jqFlag      string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// GlobalFlags holds pointers to the persistent flag variables.
type GlobalFlags struct {
	Verbose *bool
	Quiet   *bool
	JSON    *bool
	Config  *string
	Output  *string
	JQ      *string
}

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() GlobalFlags {
	return GlobalFlags{
		Verbose: &verboseFlag,
		Quiet:   &quietFlag,
		JSON:    &jsonFlag,
		Config:  &configFlag,
		Output:  &outputFlag,
		JQ:      &jqFlag,
	}
}

// ResetFlags restores every global flag to its zero value. Tests that
// execute several command trees in one process call it between runs.
func ResetFlags() {
	verboseFlag = false
	quietFlag = false
	jsonFlag = false
	configFlag = ""
	outputFlag = ""
	jqFlag = ""
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quietFlag
}

// GetJSON reports whether output should be JSON, via --json or --output json.
func GetJSON() bool {
	return jsonFlag || outputFlag == FormatJSON
}

// GetOutputFormat returns the structured output format, or FormatText.
// A jq filter implies JSON unless YAML was asked for.
func GetOutputFormat() string {
	switch {
	case outputFlag == FormatYAML:
		return FormatYAML
	case GetJSON(), jqFlag != "":
		return FormatJSON
	default:
		return FormatText
	}
}

// GetJQ returns the jq filter applied to structured output.
func GetJQ() string {
	return jqFlag
}

// GetConfigPath returns the config file path
func GetConfigPath() string {
	return configFlag
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetConfigPathForTest sets the config path for testing purposes
func SetConfigPathForTest(path string) {
	configFlag = path
}
