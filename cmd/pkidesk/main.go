package main

import "github.com/jmcleod/pkidesk/cmd/pkidesk/cmd"

func main() {
	cmd.Execute()
}
