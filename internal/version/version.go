// Package version carries build identity, stamped via -ldflags at release.
package version

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

var (
	Name        = "porter"
	Description = "LLM gateway request dispatch engine"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "unknown"
)

const GithubHomeUri = "https://github.com/thushan/porter"

// Banner renders the startup banner; plain text when not a TTY.
func Banner(extended bool) string {
	var b strings.Builder

	b.WriteString(pterm.Cyan(` ___  ___  ___ _____ ___ ___
| _ \/ _ \| _ \_   _| __| _ \
|  _/ (_) |   / | | | _||   /
|_|  \___/|_|_\ |_| |___|_|_\
`))
	b.WriteString(fmt.Sprintf(" %s %s\n", Description, pterm.Green(Version)))
	b.WriteString(fmt.Sprintf(" %s\n", pterm.Gray(GithubHomeUri)))

	if extended {
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
	}
	return b.String()
}
