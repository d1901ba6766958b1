package main

import "github.com/always-cache/asset-cache/internal/cli"

func main() {
	cli.Execute()
}
