/*
This command provides an executable version of the octopus gateway.

For the list of command line options, run:

	octopus -help

The routes, the rate limits and the whitelists of the services are read
from the file given by -policy-file, see the policy package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/aiolos/octopus"
	"github.com/aiolos/octopus/config"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)
	if err := octopus.Run(cfg.ToOptions()); err != nil {
		log.Fatal(err)
	}
}
