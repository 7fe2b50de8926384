package main

import "github.com/hlsget/hlsget/cmd"

func main() {
	cmd.Execute()
}
