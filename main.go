package main

import "github.com/dkrejci/rollcall/cmd"

func main() {
	cmd.Execute()
}
