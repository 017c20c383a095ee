package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"CipherRate/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, node *Node) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	contract := node.Contract()

	logger.Info("starting CipherRate node",
		"pubkey", hex.EncodeToString(pubKey),
		"contract", hex.EncodeToString(contract[:]),
		"http", cfg.HTTPAddress,
		"oracle", cfg.OracleAddress,
		"data", cfg.DataPath,
		"coprocessor", cfg.CoprocessorPath != "",
	)
}
