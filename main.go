package main

import "github.com/KarelPeeters/wtf/cmd"

func main() {
	cmd.Execute()
}
