package main

import (
	"os"

	"github.com/pterodactyl/crtime/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
