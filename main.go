package main

import "github.com/mshafiee/chimera/cmd"

func main() {
	cmd.Execute()
}
