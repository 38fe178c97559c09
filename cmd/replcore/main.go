// Command replcore is a demonstration CLI for the pgreplicate library: it
// opens a logical replication stream against a PostgreSQL-compatible server
// and prints decoded pgoutput messages to stdout as they arrive.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
