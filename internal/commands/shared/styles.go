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

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/tombee/stepgraph/internal/cli/format"
)

// CLI style colors using lipgloss
var (
	// StatusOK styles success indicators
	StatusOK = lipgloss.NewStyle().Foreground(lipgloss.Color("42")) // green

	// StatusWarn styles paused runs
	StatusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange

	// StatusError styles error indicators
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red

	// Muted styles secondary/less important text
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Header styles section headers
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")) // blue bold
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolPause = "⏸"
	SymbolError = "✗"
)

// styled renders s with style only when stdout is a terminal.
func styled(style lipgloss.Style, s string) string {
	if !format.IsTTY() {
		return s
	}
	return style.Render(s)
}

// RenderOK renders a success message with green checkmark
func RenderOK(msg string) string {
	return styled(StatusOK, SymbolOK) + " " + msg
}

// RenderPaused renders a paused run message with an orange symbol
func RenderPaused(msg string) string {
	return styled(StatusWarn, SymbolPause) + " " + msg
}

// RenderError renders an error message with red X
func RenderError(msg string) string {
	return styled(StatusError, SymbolError) + " " + msg
}

// RenderHeader renders a section header
func RenderHeader(title string) string {
	return styled(Header, title)
}

// RenderLabel renders a dim label (for key: value pairs)
func RenderLabel(label string) string {
	return styled(Muted, label)
}
