package main

import "kusd/cmd/kusdctl/commands"

func main() {
	commands.Execute()
}
