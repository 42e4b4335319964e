package main

import "github.com/bvasystems/teste-agente/cmd"

func main() {
	cmd.Execute()
}
