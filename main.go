// The main package for the relay-scraper executable.
package main

import (
	"github.com/JakeFAU/relay-scraper/cmd"
)

func main() {
	cmd.Execute()
}
