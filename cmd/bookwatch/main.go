package main

import "github.com/LeJamon/xrplbook/internal/cli"

func main() {
	cli.Execute()
}
