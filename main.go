package main

import "echonet-controller/cmd"

func main() {
	cmd.Execute()
}
