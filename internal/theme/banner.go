// Package theme renders the CLI banner.
package theme

import (
	"fmt"
	"io"
)

// Banner returns the replybot banner with ANSI colors.
func Banner() string {
	const cyan = "\033[36m"
	const magenta = "\033[35m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	return "" +
		cyan + "  ┌─┐┌─┐┌─┐┬ ┬ ┬" + magenta + "┌┐ ┌─┐┌┬┐\n" + reset +
		cyan + "  ├┬┘├┤ ├─┘│ └┬┘" + magenta + "├┴┐│ │ │ \n" + reset +
		cyan + "  ┴└─└─┘┴  ┴─┘┴ " + magenta + "└─┘└─┘ ┴ \n" + reset +
		yellow + "  ──────────────────────────\n" + reset +
		"  automated replies for X, on your schedule\n"
}

// PrintBanner writes the banner to w.
func PrintBanner(w io.Writer) {
	fmt.Fprint(w, Banner())
}
