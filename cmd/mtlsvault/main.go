package main

import "github.com/jmcleod/mtlsvault/cmd/mtlsvault/cmd"

func main() {
	cmd.Execute()
}
