package main

import "github.com/statecast-project/statecast/cmd"

func main() {
	cmd.Execute()
}
