package main

import "yhtransfer/internal/cli"

func main() {
	cli.Execute()
}
