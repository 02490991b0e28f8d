package main

import "github.com/jmcleod/tollgate/cmd/tollgate/cmd"

func main() {
	cmd.Execute()
}
