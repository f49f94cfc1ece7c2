package main

import "github.com/studioloom/conductor/internal/cli"

func main() {
	cli.Execute()
}
