// Package main implements the mock agent used by tests and local smoke
// runs. It prints a fenced structured-output block and exits with a
// configurable code, optionally after a delay.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	var (
		prompt  = flag.String("prompt", "", "task prompt (echoed into the output)")
		result  = flag.String("result", envOr("MOCK_AGENT_RESULT", "success"), "value of the result key")
		exit    = flag.Int("exit", envIntOr("MOCK_AGENT_EXIT", 0), "process exit code")
		sleepMs = flag.Int("sleep-ms", envIntOr("MOCK_AGENT_SLEEP_MS", 0), "delay before responding")
	)
	flag.Parse()

	if *sleepMs > 0 {
		time.Sleep(time.Duration(*sleepMs) * time.Millisecond)
	}

	if *prompt != "" {
		fmt.Printf("mock-agent handling prompt: %s\n", *prompt)
	}
	fmt.Println("```")
	fmt.Printf("result: %s\n", *result)
	fmt.Println("```")

	if *exit != 0 {
		fmt.Fprintf(os.Stderr, "mock-agent failing with exit code %d\n", *exit)
	}
	os.Exit(*exit)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
