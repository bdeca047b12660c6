package main

import "homeguard/cmd/homeguard/cmd"

func main() {
	cmd.Execute()
}
