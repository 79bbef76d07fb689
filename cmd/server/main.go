package main

import (
	"paywall-trigger-engine/internal/app/server"
	"paywall-trigger-engine/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel)
	server.Run(cfg)
}
