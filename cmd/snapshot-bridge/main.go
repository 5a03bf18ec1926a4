package main

import "github.com/philippevezina/snapshot-bridge/cmd/snapshot-bridge/cmd"

func main() {
	cmd.Execute()
}
