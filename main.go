package main

import "github.com/mykhaliev/protocol-bench/cmd"

func main() {
	cmd.Execute()
}
