package main

import "github.com/tbaxter/gatehouse/cmd/gatehouse/cmd"

func main() {
	cmd.Execute()
}
