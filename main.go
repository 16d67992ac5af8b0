package main

import "github.com/deploymenttheory/x79d8/cmd"

func main() {
	cmd.Execute()
}
