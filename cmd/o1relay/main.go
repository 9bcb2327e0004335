package main

import "github.com/router-for-me/o1relay/internal/cli"

func main() {
	cli.Execute()
}
