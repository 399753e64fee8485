package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sepipe/sepiped/internal/config"
)

type doctorResult struct {
	name, status, message string
}

// runDoctorCommand runs a handful of local environment checks: config
// loads, the home dir is writable, every configured repo exists and looks
// like a git checkout, and an API key is present.
func runDoctorCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: sepiped doctor")
		return 2
	}

	var results []doctorResult

	cfg, err := config.Load()
	if err != nil {
		results = append(results, doctorResult{"config", "FAIL", err.Error()})
		printDoctorResults(results)
		return 1
	}
	results = append(results, doctorResult{"config", "OK", cfg.HomeDir})

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		results = append(results, doctorResult{"home_dir", "FAIL", err.Error()})
	} else {
		results = append(results, doctorResult{"home_dir", "OK", cfg.HomeDir})
	}

	if cfg.AnthropicAPIKey == "" {
		results = append(results, doctorResult{"api_key", "WARN", "anthropic_api_key is empty"})
	} else {
		results = append(results, doctorResult{"api_key", "OK", "set"})
	}

	if len(cfg.Repos) == 0 {
		results = append(results, doctorResult{"repos", "WARN", "no repos configured"})
	}
	for _, repo := range cfg.Repos {
		gitDir := filepath.Join(repo.Path, ".git")
		if _, err := os.Stat(gitDir); err != nil {
			results = append(results, doctorResult{"repo:" + repo.Path, "FAIL", "not a git checkout"})
		} else {
			results = append(results, doctorResult{"repo:" + repo.Path, "OK", "git checkout found"})
		}
	}

	if cfg.Sandbox.Image == "" {
		results = append(results, doctorResult{"sandbox", "WARN", "no sandbox image configured"})
	} else {
		results = append(results, doctorResult{"sandbox", "OK", cfg.Sandbox.Image})
	}

	printDoctorResults(results)

	for _, r := range results {
		if r.status == "FAIL" {
			return 1
		}
	}
	return 0
}

func printDoctorResults(results []doctorResult) {
	fmt.Println("sepiped doctor report")
	fmt.Println("---")
	for _, r := range results {
		icon := "OK"
		switch r.status {
		case "FAIL":
			icon = "FAIL"
		case "WARN":
			icon = "WARN"
		}
		fmt.Printf("[%s] %-20s %s\n", icon, r.name, r.message)
	}
}
