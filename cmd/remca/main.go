package main

import "github.com/dwhitlock/remca/cmd/remca/cmd"

func main() {
	cmd.Execute()
}
