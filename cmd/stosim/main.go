package main

import "tiered-sto/internal/cli"

func main() {
	cli.Execute()
}
