// Package main provides the imgcrawler command.
package main

import "os"

func main() {
	os.Exit(Execute())
}
