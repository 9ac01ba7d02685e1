package main

import "github.com/searchstack/crawler/cmd"

func main() {
	cmd.Execute()
}
