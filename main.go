package main

import "github.com/andresmejia3/presence-guard/cmd"

func main() {
	cmd.Execute()
}
