package main

import "github.com/jrsteele09/go-learn-session/cmd/learnctl/cmd"

func main() {
	cmd.Execute()
}
