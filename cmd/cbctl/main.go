// Command cbctl inspects and queries a bucket: it prints the cluster map,
// pings the data nodes and runs single key-value operations.
//
// Every persistent flag can also be set from the environment with the CBCTL_
// prefix, e.g. CBCTL_SEEDS=10.0.0.1:8091,10.0.0.2:8091 or CBCTL_PASSWORD.
// Variables found in .env and .env.local are loaded first; the process
// environment takes precedence over both.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a := newApp()
	err := a.rootCmd().Execute()
	a.close()
	if err != nil {
		os.Exit(1)
	}
}
