// The main package for the ingest-crawler executable.
package main

import (
	"github.com/JakeFAU/ingest-crawler/cmd"
)

func main() {
	cmd.Execute()
}
