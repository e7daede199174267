// Command toolkitctl exercises the task toolkit against a live worker pool.
package main

import (
	"os"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
