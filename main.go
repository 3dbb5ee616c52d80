package main

import (
	"github.com/synqronlabs/mailverdict/cmd"
)

func main() {
	cmd.Execute()
}
