package main

import (
	"os"

	appLog "eventrotator/internal/log"
)

func main() {
	if err := Root.Execute(); err != nil {
		appLog.Error("eventrotator failed", err)
		os.Exit(1)
	}
}
