package main

import (
	"context"
	"log"

	"github.com/padsign/padsign/cmd/padctl/cmd"
	"github.com/padsign/padsign/tracing"
)

func main() {
	tp, err := tracing.InitTracerProvider("padsign-padctl")
	if err != nil {
		log.Fatalf("Failed to initialize TracerProvider: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down TracerProvider: %v", err)
		}
	}()

	cmd.Execute()
}
