package main

import "github.com/harun/kirana/internal/cli"

func main() {
	cli.Execute()
}
