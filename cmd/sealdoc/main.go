package main

import "github.com/sealdoc/sealdoc/cmd/sealdoc/cmd"

func main() {
	cmd.Execute()
}
