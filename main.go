package main

import "github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/cmd"

func main() {
	cmd.Execute()
}
