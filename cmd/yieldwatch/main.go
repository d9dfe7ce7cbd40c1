package main

import "yield-alerts/internal/cli"

func main() {
	cli.Execute()
}
