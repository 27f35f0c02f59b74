package main

import "careline/cmd/cli"

func main() {
	cli.Execute()
}
