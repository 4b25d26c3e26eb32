// Package banner renders the startup banner.
package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
==========================================================
            _ _       _
   ___ __ _| | |_ __ | | __ _ _ __   ___
  / __/ _` + "`" + ` | | | '_ \| |/ _` + "`" + ` | '_ \ / _ \
 | (_| (_| | | | |_) | | (_| | | | |  __/
  \___\__,_|_|_| .__/|_|\__,_|_| |_|\___|
               |_|
----------------------------------------------------------`

const footer = `==========================================================`

// ConfigLine is one "label : value" row.
type ConfigLine struct {
	Label string
	Value string
}

// Write renders the banner with aligned config rows. Rows with an empty
// value are shown as "-".
func Write(w io.Writer, title string, config []ConfigLine) error {
	var b strings.Builder
	b.WriteString(logo)
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString("\n")

	width := 0
	for _, c := range config {
		width = max(width, len(c.Label))
	}
	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(&b, "  %-*s : %s\n", width, c.Label, value)
	}

	b.WriteString("\n")
	b.WriteString(footer)
	b.WriteString("\n\n")

	_, err := io.WriteString(w, b.String())
	return err
}
