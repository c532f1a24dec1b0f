package main

import "github.com/confsync/confsync/cmd"

func main() {
	cmd.Execute()
}
