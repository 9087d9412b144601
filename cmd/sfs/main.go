// Command sfs creates, inspects and edits Simple File System images.
package main

import (
	"log"
	"os"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
