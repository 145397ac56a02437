package main

import "github.com/zijiren233/livesession/cmd"

func main() {
	cmd.Execute()
}
