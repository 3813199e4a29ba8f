package main

import "rewear/cmd"

func main() {
	cmd.Execute()
}
