package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kevinburke/ssh_config"
	"github.com/posener/complete"
)

// resolveRemoteAddr turns an SSH config alias into a "host:port" pair
// for rpc.NewTCPClient, reading the same ~/.ssh/config (plus any
// Include directives) the operator already maintains for shelling into
// their build hosts, rather than asking them to restate it in
// .crucible.yaml.
func resolveRemoteAddr(alias string) (string, error) {
	host := ssh_config.Get(alias, "HostName")
	if host == "" {
		host = alias
	}
	port := ssh_config.Get(alias, "Port")
	if port == "" {
		port = "7999"
	}
	return fmt.Sprintf("%s:%s", host, port), nil
}

// sshAliasPredictor completes --remote from the Host patterns declared
// in ~/.ssh/config, for the hidden completion command registered in
// main.
func sshAliasPredictor(_ complete.Args) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return nil
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil
	}
	var aliases []string
	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			if s := pattern.String(); s != "*" {
				aliases = append(aliases, s)
			}
		}
	}
	return aliases
}
