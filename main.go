package main

import "github.com/nextlevelbuilder/kestrel/cmd"

func main() {
	cmd.Execute()
}
