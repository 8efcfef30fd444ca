package cmd

import (
	"fmt"
	"io"
)

const banner = `
         _    _     _           _    
  _ __  | | _(_) __| | ___  ___| | __
 | '_ \ | |/ / |/ _` + "`" + ` |/ _ \/ __| |/ /
 | |_) ||   <| | (_| |  __/\__ \   < 
 | .__/ |_|\_\_|\__,_|\___||___/_|\_\
 |_|                                 
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Workflow Server - Version %s\x1b[0m\n\n", Version)
}
