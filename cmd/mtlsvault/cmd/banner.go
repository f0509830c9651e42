package cmd

import (
	"fmt"
	"io"
)

const banner = `
            _   _                    _ _
  _ __ ___ | |_| |___   ____ _ _   _| | |_
 | '_ ` + "`" + ` _ \| __| / __\ \ / / _` + "`" + ` | | | | | __|
 | | | | | | |_| \__ \\ V / (_| | |_| | | |_
 |_| |_| |_|\__|_|___/ \_/ \__,_|\__,_|_|\__|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Private mTLS Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
