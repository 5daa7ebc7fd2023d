package main

import (
	"context"
	"flag"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydocs/spacesync/internal/httpapi"
	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/server"
)

func main() {
	baseURL := flag.String("base-url", os.Getenv("SPACESYNC_BASE_URL"), "workspace API base URL")
	token := flag.String("token", os.Getenv("SPACESYNC_TOKEN"), "workspace API bearer token")
	outputDir := flag.String("output-dir", os.Getenv("SPACESYNC_OUTPUT_DIR"), "directory exports are written under")
	dedupeDir := flag.String("dedupe-dir", os.Getenv("SPACESYNC_DEDUPE_DIR"), "directory holding per-export dedupe SQLite indexes")
	flag.Parse()

	log, err := logger.NewLogger(logger.LogConfig{})
	if err != nil {
		panic(err)
	}

	log.Info("starting spacesync MCP server")

	client := httpapi.NewClient(*baseURL, *token)
	srv := server.CreateServer(client, *outputDir, *dedupeDir, log)
	if err := srv.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatal("server failed: %v", err)
	}
}
