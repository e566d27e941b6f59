package main

import "github.com/vsf-health/vsf-agent/cmd"

func main() {
	cmd.Execute()
}
