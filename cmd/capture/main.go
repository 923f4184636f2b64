package main

import "leakrelay/internal/app"

func main() {
	app.Exit(newRootCommand().Execute())
}
