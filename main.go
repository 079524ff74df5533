package main

import "github.com/fedbridge/fedbridge/node/cmd"

func main() {
	cmd.Execute()
}
