// Command datahub-server runs the hybrid time-series orchestrator BFF.
// There is no CLI flag surface: configuration is read once from the
// environment at startup.
package main

import (
	"log"

	"github.com/k8-benetis/nkz-module-data-hub/server"
)

func main() {
	flags := server.NewFromFlags()

	if err := flags.Validate(); err != nil {
		log.Fatalf("datahub-server: invalid configuration: %v", err)
	}

	srv, err := flags.Make()
	if err != nil {
		log.Fatalf("datahub-server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("datahub-server: %v", err)
	}
}
