package main

import "github.com/soni801/soni-bot/cmd"

func main() {
	cmd.Execute()
}
