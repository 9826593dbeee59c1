package main

import (
	"context"
	"log"

	"github.com/finvault/finvault/internal/client/cli"
	"github.com/finvault/finvault/internal/client/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := cli.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	app.Run(ctx)

}
