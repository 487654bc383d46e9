package main

import "github.com/robertgumeny/rollout/cmd"

func main() {
	cmd.Execute()
}
